package domain

// EffectiveConfig computes an instance's derived configuration:
// offering-version defaults first, then the plan's limits under the
// "limits" key, then instance overrides (shallow merge, last write wins
// per top-level key). Recomputed on every instance write.
func EffectiveConfig(defaults, planLimits, overrides map[string]any) map[string]any {
	config := make(map[string]any, len(defaults)+len(overrides)+1)
	for k, v := range defaults {
		config[k] = v
	}
	if len(planLimits) > 0 {
		config["limits"] = planLimits
	}
	for k, v := range overrides {
		config[k] = v
	}
	return config
}
