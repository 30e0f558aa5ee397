// Package provisioner receives commerce webhooks and turns paid orders
// into Control Plane provisioning calls. It is stateless apart from a
// local TTL-bounded idempotency store.
package provisioner

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"

	"github.com/gsvlabs/cmp/pkg/api"
	"github.com/gsvlabs/cmp/pkg/cpclient"
)

// SignatureHeader carries the provider's HMAC-SHA256 hex digest of the
// raw body.
const SignatureHeader = "Saleor-Signature"

var creditSKU = regexp.MustCompile(`^CREDITS-(\d+)$`)

// Server is the webhook surface.
type Server struct {
	cp            *cpclient.Client
	idem          IdemStore
	webhookSecret []byte
	log           *slog.Logger
}

// Deps wires the provisioner.
type Deps struct {
	ControlPlane  *cpclient.Client
	Idempotency   IdemStore
	WebhookSecret string
	Log           *slog.Logger
}

// New assembles the server. An empty webhook secret disables signature
// verification, for development only.
func New(d Deps) *Server {
	s := &Server{
		cp:   d.ControlPlane,
		idem: d.Idempotency,
		log:  d.Log.With("component", "provisioner"),
	}
	if d.WebhookSecret != "" {
		s.webhookSecret = []byte(d.WebhookSecret)
	} else {
		s.log.Warn("webhook signature verification disabled, no secret configured")
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/saleor/order-paid", s.handleOrderPaid)
	mux.HandleFunc("GET /health", api.HealthHandler("provisioner"))
	return api.Chain(mux,
		api.TraceMiddleware,
		api.LoggingMiddleware(s.log),
	)
}

// orderPaidEvent accepts both the normalized shape and the raw Saleor
// webhook where the order is nested.
type orderPaidEvent struct {
	OrderID   string      `json:"order_id"`
	UserEmail string      `json:"user_email"`
	Lines     []orderLine `json:"lines"`

	Order *struct {
		ID        string      `json:"id"`
		UserEmail string      `json:"user_email"`
		Lines     []orderLine `json:"lines"`
	} `json:"order"`
}

type orderLine struct {
	SKU         string `json:"sku"`
	Quantity    int64  `json:"quantity"`
	ProductID   string `json:"product_id"`
	VariantID   string `json:"variant_id"`
	ProductName string `json:"product_name"`
}

// lineResult is one per-line outcome reported back to the provider.
type lineResult struct {
	SKU        string `json:"sku"`
	Kind       string `json:"kind"`
	Success    bool   `json:"success"`
	InstanceID string `json:"instance_id,omitempty"`
	Credits    int64  `json:"credits_added,omitempty"`
	Error      string `json:"error,omitempty"`
}

type orderPaidResponse struct {
	OrderID   string       `json:"order_id"`
	Processed bool         `json:"processed"`
	Results   []lineResult `json:"results,omitempty"`
}

func (s *Server) handleOrderPaid(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		api.WriteBadRequest(w, r, "unreadable body")
		return
	}
	if !s.verifySignature(body, r.Header.Get(SignatureHeader)) {
		api.WriteUnauthorized(w, r, "invalid webhook signature")
		return
	}

	var event orderPaidEvent
	if err := json.Unmarshal(body, &event); err != nil {
		api.WriteBadRequest(w, r, "malformed payload")
		return
	}
	orderID, userEmail, lines := event.OrderID, event.UserEmail, event.Lines
	if event.Order != nil {
		orderID, userEmail, lines = event.Order.ID, event.Order.UserEmail, event.Order.Lines
	}
	if orderID == "" || userEmail == "" {
		api.WriteBadRequest(w, r, "order id and user email are required")
		return
	}

	first, err := s.idem.MarkProcessed(ctx, "order_paid", orderID)
	if err != nil {
		api.WriteInternal(w, r, err)
		return
	}
	if !first {
		s.log.InfoContext(ctx, "duplicate order-paid skipped", "order_id", orderID)
		api.WriteJSON(w, http.StatusOK, orderPaidResponse{OrderID: orderID, Processed: false})
		return
	}

	results := make([]lineResult, 0, len(lines))
	for _, line := range lines {
		results = append(results, s.processLine(r, orderID, userEmail, line))
	}
	api.WriteJSON(w, http.StatusOK, orderPaidResponse{OrderID: orderID, Processed: true, Results: results})
}

// processLine classifies and forwards one order line. Failures are
// scoped to the line.
func (s *Server) processLine(r *http.Request, orderID, userEmail string, line orderLine) lineResult {
	ctx := r.Context()
	qty := line.Quantity
	if qty <= 0 {
		qty = 1
	}

	if m := creditSKU.FindStringSubmatch(line.SKU); m != nil {
		amount, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return lineResult{SKU: line.SKU, Kind: "credits", Error: "invalid credit amount in SKU"}
		}
		res, err := s.cp.AddCredits(ctx, cpclient.AddCreditsRequest{
			OrderID:      orderID,
			UserEmail:    userEmail,
			CreditAmount: amount * qty,
		})
		if err != nil {
			s.log.WarnContext(ctx, "add-credits failed", "order_id", orderID, "sku", line.SKU, "error", err)
			return lineResult{SKU: line.SKU, Kind: "credits", Error: err.Error()}
		}
		return lineResult{SKU: line.SKU, Kind: "credits", Success: true, Credits: res.CreditsAdded}
	}

	res, err := s.cp.ProvisionInstance(ctx, cpclient.ProvisionRequest{
		OrderID:    orderID,
		UserEmail:  userEmail,
		OfferingID: line.ProductID,
		PlanID:     line.VariantID,
		Metadata:   map[string]string{"product_name": line.ProductName},
	})
	if err != nil {
		s.log.WarnContext(ctx, "provision failed", "order_id", orderID, "sku", line.SKU, "error", err)
		return lineResult{SKU: line.SKU, Kind: "instance", Error: err.Error()}
	}
	// The full API key stays between the Control Plane and the buyer's
	// console; webhook responses never carry it.
	return lineResult{SKU: line.SKU, Kind: "instance", Success: true, InstanceID: res.InstanceID}
}

// verifySignature checks the HMAC-SHA256 hex digest, constant time.
// With no secret configured every signature passes.
func (s *Server) verifySignature(body []byte, signature string) bool {
	if len(s.webhookSecret) == 0 {
		return true
	}
	mac := hmac.New(sha256.New, s.webhookSecret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
