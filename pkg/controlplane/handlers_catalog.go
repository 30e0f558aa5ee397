package controlplane

import (
	"errors"
	"io"
	"net/http"

	"github.com/gsvlabs/cmp/pkg/api"
	"github.com/gsvlabs/cmp/pkg/artifacts"
	"github.com/gsvlabs/cmp/pkg/catalog"
	"github.com/gsvlabs/cmp/pkg/domain"
)

func (s *Server) handleListOfferings(w http.ResponseWriter, r *http.Request) {
	offerings, err := s.store.ListOfferings(r.Context(), true)
	if err != nil {
		api.WriteInternal(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"offerings": offerings})
}

func (s *Server) handleGetOffering(w http.ResponseWriter, r *http.Request) {
	off, err := s.catalog.ResolveOffering(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, off)
}

type createOfferingRequest struct {
	Name              string `json:"name"`
	Slug              string `json:"slug"`
	Category          string `json:"category"`
	Description       string `json:"description"`
	CommerceProductID string `json:"commerce_product_id"`
	ThumbnailURL      string `json:"thumbnail_url"`
}

func (s *Server) handleCreateOffering(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireUser(w, r); !ok {
		return
	}
	var req createOfferingRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, r, err.Error())
		return
	}
	if req.Name == "" {
		api.WriteBadRequest(w, r, "name is required")
		return
	}
	off, err := s.catalog.CreateOffering(r.Context(), catalog.CreateOfferingInput{
		Name:              req.Name,
		Slug:              req.Slug,
		Category:          domain.OfferingCategory(req.Category),
		Description:       req.Description,
		CommerceProductID: req.CommerceProductID,
		ThumbnailURL:      req.ThumbnailURL,
	})
	if err != nil {
		s.writeDomainErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, off)
}

func (s *Server) handlePublishOffering(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireUser(w, r); !ok {
		return
	}
	off, err := s.catalog.PublishOffering(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, off)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.store.ListOfferingVersions(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

type createVersionRequest struct {
	VersionLabel string             `json:"version_label"`
	Artifact     domain.ArtifactRef `json:"artifact"`
	Capabilities []string           `json:"capabilities"`
	Defaults     map[string]any     `json:"defaults"`
}

func (s *Server) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireUser(w, r); !ok {
		return
	}
	var req createVersionRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, r, err.Error())
		return
	}
	if req.VersionLabel == "" {
		api.WriteBadRequest(w, r, "version_label is required")
		return
	}
	v, err := s.catalog.CreateVersion(r.Context(), catalog.CreateVersionInput{
		OfferingID:   r.PathValue("id"),
		VersionLabel: req.VersionLabel,
		Artifact:     req.Artifact,
		Capabilities: req.Capabilities,
		Defaults:     req.Defaults,
	})
	if err != nil {
		s.writeDomainErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, v)
}

func (s *Server) handlePublishVersion(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireUser(w, r); !ok {
		return
	}
	v, err := s.catalog.PublishVersion(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, v)
}

// artifactSizeLimit bounds uploaded flow payloads.
const artifactSizeLimit = 8 << 20

// handleUploadArtifact stores the flow payload for a draft version and
// pins its checksum into the version's artifact ref.
func (s *Server) handleUploadArtifact(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireUser(w, r); !ok {
		return
	}
	versionID := r.PathValue("id")
	v, err := s.store.GetOfferingVersion(r.Context(), versionID)
	if err != nil {
		s.writeDomainErr(w, r, err)
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, artifactSizeLimit+1))
	if err != nil {
		api.WriteBadRequest(w, r, "unreadable body")
		return
	}
	if len(data) == 0 || len(data) > artifactSizeLimit {
		api.WriteBadRequest(w, r, "artifact must be non-empty and at most 8 MiB")
		return
	}
	key := "flows/" + versionID + ".json"
	sum, err := s.artifacts.Put(r.Context(), key, data)
	if err != nil {
		api.WriteInternal(w, r, err)
		return
	}
	updated, err := s.catalog.UpdateVersion(r.Context(), versionID,
		domain.ArtifactRef{Key: key, SHA256: sum}, v.Capabilities, v.Defaults)
	if err != nil {
		s.writeDomainErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, updated)
}

// handleGetArtifact serves stored flow payloads to the runtime.
func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	data, err := s.artifacts.Get(r.Context(), r.PathValue("key"))
	if err != nil {
		if errors.Is(err, artifacts.ErrNotFound) {
			api.WriteNotFound(w, r, "artifact not found")
			return
		}
		api.WriteInternal(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.store.ListPlans(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"plans": plans})
}

type createPlanRequest struct {
	Name              string         `json:"name"`
	Slug              string         `json:"slug"`
	BillingPeriod     string         `json:"billing_period"`
	PriceCredits      int64          `json:"price_credits"`
	IncludedCredits   int64          `json:"included_credits"`
	Limits            map[string]any `json:"limits"`
	IsDefault         bool           `json:"is_default"`
	IsTrial           bool           `json:"is_trial"`
	CommerceVariantID string         `json:"commerce_variant_id"`
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireUser(w, r); !ok {
		return
	}
	var req createPlanRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, r, err.Error())
		return
	}
	if req.Name == "" {
		api.WriteBadRequest(w, r, "name is required")
		return
	}
	p, err := s.catalog.CreatePlan(r.Context(), catalog.CreatePlanInput{
		OfferingID:        r.PathValue("id"),
		Name:              req.Name,
		Slug:              req.Slug,
		BillingPeriod:     domain.BillingPeriod(req.BillingPeriod),
		PriceCredits:      req.PriceCredits,
		IncludedCredits:   req.IncludedCredits,
		Limits:            req.Limits,
		IsDefault:         req.IsDefault,
		IsTrial:           req.IsTrial,
		CommerceVariantID: req.CommerceVariantID,
	})
	if err != nil {
		s.writeDomainErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, p)
}
