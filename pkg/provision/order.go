package provision

import (
	"context"
	"regexp"
	"strconv"

	"github.com/gsvlabs/cmp/pkg/auth"
)

// creditSKU matches credit-pack SKUs like CREDITS-500.
var creditSKU = regexp.MustCompile(`^CREDITS-(\d+)$`)

// OrderLine is one purchased line of a paid order, already normalized
// from the commerce provider's shape.
type OrderLine struct {
	SKU         string `json:"sku"`
	Quantity    int64  `json:"quantity"`
	ProductID   string `json:"product_id"`
	VariantID   string `json:"variant_id"`
	ProductName string `json:"product_name"`
}

// OrderPaid is a normalized order-paid event.
type OrderPaid struct {
	OrderID   string      `json:"order_id"`
	UserEmail string      `json:"user_email"`
	Lines     []OrderLine `json:"lines"`
}

// LineOutcome reports how one order line was handled. API keys are
// never echoed back in full here, only their display prefix.
type LineOutcome struct {
	SKU          string `json:"sku"`
	Kind         string `json:"kind"` // "credits" or "instance"
	Success      bool   `json:"success"`
	InstanceID   string `json:"instance_id,omitempty"`
	KeyPrefix    string `json:"key_prefix,omitempty"`
	CreditsAdded int64  `json:"credits_added,omitempty"`
	Error        string `json:"error,omitempty"`
}

// ProcessOrder classifies and handles every line of a paid order.
// Credit-pack SKUs become wallet top-ups, everything else becomes an
// instance. One failing line does not abort the rest.
func (s *Service) ProcessOrder(ctx context.Context, order OrderPaid) []LineOutcome {
	outcomes := make([]LineOutcome, 0, len(order.Lines))
	for _, line := range order.Lines {
		qty := line.Quantity
		if qty <= 0 {
			qty = 1
		}
		if m := creditSKU.FindStringSubmatch(line.SKU); m != nil {
			amount, err := strconv.ParseInt(m[1], 10, 64)
			if err != nil {
				outcomes = append(outcomes, LineOutcome{SKU: line.SKU, Kind: "credits", Error: "invalid credit amount in SKU"})
				continue
			}
			res, _, err := s.AddCredits(ctx, AddCreditsInput{
				OrderID:      order.OrderID,
				UserEmail:    order.UserEmail,
				CreditAmount: amount * qty,
			})
			if err != nil {
				s.log.WarnContext(ctx, "credit line failed", "order_id", order.OrderID, "sku", line.SKU, "error", err)
				outcomes = append(outcomes, LineOutcome{SKU: line.SKU, Kind: "credits", Error: err.Error()})
				continue
			}
			outcomes = append(outcomes, LineOutcome{SKU: line.SKU, Kind: "credits", Success: true, CreditsAdded: res.CreditsAdded})
			continue
		}

		res, _, err := s.ProvisionInstance(ctx, ProvisionInput{
			OrderID:    order.OrderID,
			UserEmail:  order.UserEmail,
			OfferingID: line.ProductID,
			PlanID:     line.VariantID,
			Metadata:   map[string]string{"product_name": line.ProductName},
		})
		if err != nil {
			s.log.WarnContext(ctx, "provision line failed", "order_id", order.OrderID, "sku", line.SKU, "error", err)
			outcomes = append(outcomes, LineOutcome{SKU: line.SKU, Kind: "instance", Error: err.Error()})
			continue
		}
		outcomes = append(outcomes, LineOutcome{
			SKU:        line.SKU,
			Kind:       "instance",
			Success:    true,
			InstanceID: res.InstanceID,
			KeyPrefix:  auth.MaskSecret(res.APIKey),
		})
	}
	return outcomes
}
