package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/pinglane/pinglane/internal/pinglane"
)

type ServerConfig struct {
	SessionSecret   string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

// Server is the HTTP boundary. The ingestion route authenticates with an
// opaque API key and follows the pipeline's status contract exactly; the
// collaborator routes (identity sync, categories, quota view, live stream)
// authenticate with a scoped session token.
type Server struct {
	store       pinglane.Store
	ingestor    *pinglane.Ingestor
	policy      *pinglane.QuotaPolicy
	hub         *pinglane.StreamHub
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type Dependencies struct {
	Store    pinglane.Store
	Ingestor *pinglane.Ingestor
	Policy   *pinglane.QuotaPolicy
	Hub      *pinglane.StreamHub
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(deps Dependencies) *Server {
	return NewServerWithConfig(deps, ServerConfig{})
}

func NewServerWithConfig(deps Dependencies, cfg ServerConfig) *Server {
	if cfg.SessionSecret == "" {
		cfg.SessionSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:       deps.Store,
		ingestor:    deps.Ingestor,
		policy:      deps.Policy,
		hub:         deps.Hub,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if r.URL.Path == "/v1/events" && r.Method == http.MethodPost {
		s.handleIngest(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	var requiredScope string
	var route string
	switch {
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "events" && parts[2] == "stream" && r.Method == http.MethodGet:
		requiredScope = "events:read"
		route = "event_stream"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "identity" && parts[2] == "sync" && r.Method == http.MethodPost:
		requiredScope = "account:write"
		route = "identity_sync"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "account" && parts[2] == "destination" && r.Method == http.MethodPut:
		requiredScope = "account:write"
		route = "link_destination"
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "quota" && r.Method == http.MethodGet:
		requiredScope = "account:read"
		route = "quota"
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "categories" && r.Method == http.MethodPost:
		requiredScope = "categories:write"
		route = "create_category"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "categories" && parts[2] == "quickstart" && r.Method == http.MethodPost:
		requiredScope = "categories:write"
		route = "quickstart_categories"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "categories" && r.Method == http.MethodDelete:
		requiredScope = "categories:write"
		route = "delete_category"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}

	claims, authErr := authorizeSession(r.Header.Get("Authorization"), s.cfg.SessionSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.ExternalID, time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
		return
	}

	switch route {
	case "event_stream":
		s.handleEventStream(w, r, claims)
	case "identity_sync":
		s.handleIdentitySync(w, r, claims)
	case "link_destination":
		s.handleLinkDestination(w, r, claims)
	case "quota":
		s.handleQuota(w, r, claims)
	case "create_category":
		s.handleCreateCategory(w, r, claims)
	case "quickstart_categories":
		s.handleQuickstartCategories(w, r, claims)
	case "delete_category":
		s.handleDeleteCategory(w, r, claims, parts[2])
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

// handleIngest maps the pipeline's error taxonomy onto the public status
// contract. Response shapes are part of the API and must not drift.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"message": "Request body exceeds configured limit"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "Invalid JSON request body"})
		return
	}

	result, err := s.ingestor.Ingest(r.Context(), r.Header.Get("Authorization"), body)
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"message": "Event processed successfully",
			"eventId": result.EventID,
		})
		return
	}

	switch {
	case errors.Is(err, pinglane.ErrUnauthenticated):
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"status":  "error",
			"message": "Unauthorized. Check your API key.",
		})
	case errors.Is(err, pinglane.ErrDestinationNotLinked):
		writeJSON(w, http.StatusForbidden, map[string]any{
			"status":  "error",
			"message": "Please link your Discord account before sending events.",
		})
	case errors.Is(err, pinglane.ErrQuotaExceeded):
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"message": "Monthly quota reached. Please upgrade your plan for more events",
		})
	case errors.Is(err, pinglane.ErrMalformedBody):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"message": "Invalid JSON request body",
		})
	case errors.Is(err, pinglane.ErrSchemaInvalid):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"message": err.Error(),
		})
	case errors.Is(err, pinglane.ErrCategoryNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{
			"message": err.Error(),
		})
	case errors.Is(err, pinglane.ErrDeliveryFailed):
		log.Printf("event %s delivery failed: %v", result.EventID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"message": "Error processing event",
			"eventId": result.EventID,
		})
	default:
		log.Printf("ingestion failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"message": "Internal server error",
		})
	}
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request, claims sessionClaims) {
	account, ok := s.accountForClaims(w, r, claims)
	if !ok {
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Accept already wrote the handshake failure.
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	sub := s.hub.Subscribe(account.ID)
	defer sub.Close()

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, open := <-sub.Events():
			if !open {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := wsjson.Write(ctx, conn, event); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleIdentitySync(w http.ResponseWriter, r *http.Request, claims sessionClaims) {
	account, created, err := s.store.SyncAccount(r.Context(), claims.ExternalID, claims.Email)
	if err != nil {
		log.Printf("identity sync failed for %s: %v", claims.ExternalID, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "identity sync failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"isSynced": true,
		"created":  created,
		"apiKey":   account.APIKey,
	})
}

func (s *Server) handleLinkDestination(w http.ResponseWriter, r *http.Request, claims sessionClaims) {
	account, ok := s.accountForClaims(w, r, claims)
	if !ok {
		return
	}
	var req struct {
		DiscordID string `json:"discordId"`
	}
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.DiscordID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "discordId is required")
		return
	}
	if err := s.store.LinkDestination(r.Context(), account.ID, strings.TrimSpace(req.DiscordID)); err != nil {
		log.Printf("link destination failed for %s: %v", account.ID, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to link destination")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request, claims sessionClaims) {
	account, ok := s.accountForClaims(w, r, claims)
	if !ok {
		return
	}
	period := pinglane.PeriodOf(time.Now().UTC())
	count, err := s.store.QuotaCount(r.Context(), account.ID, period)
	if err != nil {
		log.Printf("quota read failed for %s: %v", account.ID, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read quota")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"plan":  account.Plan,
		"month": period.Month,
		"year":  period.Year,
		"count": count,
		"limit": s.policy.LimitFor(account.Plan),
	})
}

var hexColorPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

type categoryRequest struct {
	Name  string `json:"name"`
	Color string `json:"color"`
	Emoji string `json:"emoji"`
}

func (s *Server) handleCreateCategory(w http.ResponseWriter, r *http.Request, claims sessionClaims) {
	account, ok := s.accountForClaims(w, r, claims)
	if !ok {
		return
	}
	var req categoryRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "name is required")
		return
	}
	color, err := parseHexColor(req.Color)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "color must be a valid hex color like #FF6B6B")
		return
	}
	category, err := s.store.CreateCategory(r.Context(), account.ID, req.Name, color, req.Emoji)
	if errors.Is(err, pinglane.ErrConflict) {
		writeError(w, http.StatusConflict, "conflict", fmt.Sprintf("category %q already exists", req.Name))
		return
	}
	if err != nil {
		log.Printf("create category failed for %s: %v", account.ID, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create category")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"category": category})
}

// quickstartCategories mirror the starter set offered to new accounts.
var quickstartCategories = []categoryRequest{
	{Name: "Bug", Color: "#FF6B6B", Emoji: "🪲"},
	{Name: "Sale", Color: "#FDCB6E", Emoji: "💰"},
	{Name: "Question", Color: "#2ECC71", Emoji: "🤔"},
}

func (s *Server) handleQuickstartCategories(w http.ResponseWriter, r *http.Request, claims sessionClaims) {
	account, ok := s.accountForClaims(w, r, claims)
	if !ok {
		return
	}
	created := 0
	for _, seed := range quickstartCategories {
		color, _ := parseHexColor(seed.Color)
		_, err := s.store.CreateCategory(r.Context(), account.ID, seed.Name, color, seed.Emoji)
		if errors.Is(err, pinglane.ErrConflict) {
			continue
		}
		if err != nil {
			log.Printf("quickstart category %q failed for %s: %v", seed.Name, account.ID, err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to create starter categories")
			return
		}
		created++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"count":  created,
	})
}

func (s *Server) handleDeleteCategory(w http.ResponseWriter, r *http.Request, claims sessionClaims, name string) {
	account, ok := s.accountForClaims(w, r, claims)
	if !ok {
		return
	}
	err := s.store.DeleteCategory(r.Context(), account.ID, name)
	if errors.Is(err, pinglane.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("category %q not found", name))
		return
	}
	if err != nil {
		log.Printf("delete category failed for %s: %v", account.ID, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete category")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) accountForClaims(w http.ResponseWriter, r *http.Request, claims sessionClaims) (pinglane.Account, bool) {
	account, err := s.store.AccountByExternalID(r.Context(), claims.ExternalID)
	if errors.Is(err, pinglane.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "account not synced")
		return pinglane.Account{}, false
	}
	if err != nil {
		log.Printf("account lookup failed for %s: %v", claims.ExternalID, err)
		writeError(w, http.StatusInternalServerError, "internal_error", "account lookup failed")
		return pinglane.Account{}, false
	}
	return account, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}

func parseHexColor(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if !hexColorPattern.MatchString(raw) {
		return 0, fmt.Errorf("invalid hex color: %q", raw)
	}
	value, err := strconv.ParseInt(raw[1:], 16, 32)
	if err != nil {
		return 0, err
	}
	return int(value), nil
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
