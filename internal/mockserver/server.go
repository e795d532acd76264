// ABOUTME: In-process issuer, verifier and JSON-RPC ledger used by tests and cmd/mock-issuer
// ABOUTME: Approves claim requests after a delay and publishes the issuer state on a Local ledger

package mockserver

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/2389/idenmobile/internal/keystore"
	"github.com/2389/idenmobile/internal/ledger"
	"github.com/2389/idenmobile/internal/protocol"
)

// DefaultRejectMarker makes the issuer reject any request whose data contains it.
const DefaultRejectMarker = "reject"

// maxRequestBytes caps request bodies.
const maxRequestBytes = 1 << 16

var errMissingParams = errors.New("missing params")

// Options tunes the simulated issuer.
type Options struct {
	// ApprovalDelay is how long a claim request stays pending.
	ApprovalDelay time.Duration
	// PublishDelay is how long after approval the issuer state reaches the ledger.
	PublishDelay time.Duration
	// RejectMarker overrides DefaultRejectMarker.
	RejectMarker string
	// Ledger receives issuer state publications. A new Local is used when nil.
	Ledger *ledger.Local
	Logger *slog.Logger
	// Now overrides the clock.
	Now func() time.Time
}

// Server is the mock issuer/verifier.
type Server struct {
	opts     Options
	ledger   *ledger.Local
	issuerID string
	logger   *slog.Logger
	router   *mux.Router
	now      func() time.Time

	mu       sync.Mutex
	nextID   int
	nonce    uint64
	requests map[int]*claimRequest
	issued   map[string]*issuedClaim // by claim id
	failures int                     // upcoming requests answered with 503
	received int
}

type claimRequest struct {
	claim     protocol.Claim
	holderKey ed25519.PublicKey
	createdAt time.Time
	rejected  bool
	approved  bool
}

type issuedClaim struct {
	claim      protocol.Claim
	holderKey  ed25519.PublicKey
	approvedAt time.Time
	state      *ledger.State
}

// New creates a mock server with a fresh issuer identity.
func New(opts Options) (*Server, error) {
	if opts.RejectMarker == "" {
		opts.RejectMarker = DefaultRejectMarker
	}
	if opts.Ledger == nil {
		opts.Ledger = ledger.NewLocal()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generating issuer key: %w", err)
	}
	issuerID, err := keystore.Fingerprint(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}

	s := &Server{
		opts:     opts,
		ledger:   opts.Ledger,
		issuerID: issuerID,
		logger:   opts.Logger.With("component", "mockserver", "issuer_id", issuerID),
		now:      opts.Now,
		requests: make(map[int]*claimRequest),
		issued:   make(map[string]*issuedClaim),
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	issuer := r.PathPrefix("/issuer").Subrouter()
	issuer.Use(s.injectFailures)
	issuer.HandleFunc("/claim/request", s.handleClaimRequest).Methods(http.MethodPost)
	issuer.HandleFunc("/claim/status/{id:[0-9]+}", s.handleClaimStatus).Methods(http.MethodGet)
	issuer.HandleFunc("/claim/credential", s.handleCredential).Methods(http.MethodPost)

	verifier := r.PathPrefix("/verifier").Subrouter()
	verifier.HandleFunc("/verify", s.handleVerify).Methods(http.MethodPost)
	verifier.HandleFunc("/verifyzkp", s.handleVerifyZK).Methods(http.MethodPost)

	r.HandleFunc("/rpc", s.handleRPC).Methods(http.MethodPost)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// IssuerID returns the identity id of the simulated issuer.
func (s *Server) IssuerID() string { return s.issuerID }

// Ledger returns the ledger the issuer publishes to.
func (s *Server) Ledger() *ledger.Local { return s.ledger }

// FailNext makes the next n issuer calls answer 503.
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

// Received returns how many claim requests were accepted for processing.
func (s *Server) Received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", s.now().Sub(start))
	})
}

func (s *Server) injectFailures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		fail := s.failures > 0
		if fail {
			s.failures--
		}
		s.mu.Unlock()
		if fail {
			sendJSONError(w, http.StatusServiceUnavailable, "issuer temporarily unavailable")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleClaimRequest(w http.ResponseWriter, r *http.Request) {
	var req protocol.ClaimRequest
	if err := decodeBody(r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := protocol.ValidateData(req.Value); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	pub, err := keystore.ParseAuthorizedKey(req.HolderKey)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid holder key")
		return
	}
	if err := authorize(r, pub, req.HolderID); err != nil {
		sendJSONError(w, http.StatusUnauthorized, err.Error())
		return
	}

	s.mu.Lock()
	s.nextID++
	s.nonce++
	id := s.nextID
	s.requests[id] = &claimRequest{
		claim: protocol.Claim{
			Index:  req.Index,
			Value:  req.Value,
			Issuer: s.issuerID,
			Holder: req.HolderID,
			Nonce:  s.nonce,
		},
		holderKey: pub,
		createdAt: s.now(),
		rejected:  strings.Contains(req.Value, s.opts.RejectMarker),
	}
	s.received++
	s.mu.Unlock()

	s.logger.Info("claim requested", "request_id", id, "holder_id", req.HolderID)
	writeJSON(w, http.StatusOK, protocol.ClaimRequestResponse{ID: id})
}

func (s *Server) handleClaimStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid request id")
		return
	}

	s.mu.Lock()
	req, ok := s.requests[id]
	s.mu.Unlock()
	if !ok {
		sendJSONError(w, http.StatusNotFound, "unknown claim request")
		return
	}
	if err := authorize(r, req.holderKey, req.claim.Holder); err != nil {
		sendJSONError(w, http.StatusUnauthorized, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case req.rejected:
		writeJSON(w, http.StatusOK, protocol.ClaimStatusResponse{Status: protocol.StatusRejected})
	case s.now().Sub(req.createdAt) < s.opts.ApprovalDelay:
		writeJSON(w, http.StatusOK, protocol.ClaimStatusResponse{Status: protocol.StatusPending})
	default:
		if !req.approved {
			req.approved = true
			claimID, err := req.claim.ID()
			if err != nil {
				sendJSONError(w, http.StatusInternalServerError, err.Error())
				return
			}
			s.issued[claimID] = &issuedClaim{
				claim:      req.claim,
				holderKey:  req.holderKey,
				approvedAt: s.now(),
			}
			s.logger.Info("claim approved", "request_id", id, "claim_id", claimID)
		}
		claim := req.claim
		writeJSON(w, http.StatusOK, protocol.ClaimStatusResponse{Status: protocol.StatusApproved, Claim: &claim})
	}
}

func (s *Server) handleCredential(w http.ResponseWriter, r *http.Request) {
	var req protocol.CredentialRequest
	if err := decodeBody(r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	claimID, err := req.Claim.ID()
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	issued, ok := s.issued[claimID]
	s.mu.Unlock()
	if !ok {
		sendJSONError(w, http.StatusNotFound, "claim was not issued here")
		return
	}
	if err := authorize(r, issued.holderKey, issued.claim.Holder); err != nil {
		sendJSONError(w, http.StatusUnauthorized, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.now().Sub(issued.approvedAt) < s.opts.PublishDelay {
		writeJSON(w, http.StatusOK, protocol.CredentialResponse{Status: protocol.CredentialNotYet})
		return
	}
	if issued.state == nil {
		st, err := s.ledger.Publish(s.issuerID, "")
		if err != nil {
			sendJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		issued.state = &st
		s.logger.Info("issuer state published", "claim_id", claimID, "block", st.BlockN)
	}

	writeJSON(w, http.StatusOK, protocol.CredentialResponse{
		Status: protocol.CredentialReady,
		Credential: &protocol.Credential{
			ID:    s.issuerID,
			Claim: issued.claim,
			IdenStateData: protocol.StateData{
				BlockTs:   issued.state.BlockTs,
				BlockN:    issued.state.BlockN,
				IdenState: issued.state.Root,
			},
		},
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req protocol.VerifyRequest
	if err := decodeBody(r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	holder := req.Credential.Claim.Holder
	if status, err := s.checkHolder(r, req.HolderKey, holder); err != nil {
		sendJSONError(w, status, err.Error())
		return
	}

	claimID, err := req.Credential.Claim.ID()
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	issued, ok := s.issued[claimID]
	s.mu.Unlock()
	if !ok || req.Credential.ID != s.issuerID || issued.claim != req.Credential.Claim {
		sendJSONError(w, http.StatusBadRequest, "credential was not issued by a trusted issuer")
		return
	}
	if status, err := s.checkOnChain(r, req.Credential.ID, req.Credential.IdenStateData); err != nil {
		sendJSONError(w, status, err.Error())
		return
	}

	s.logger.Info("credential verified", "claim_id", claimID, "holder_id", holder)
	writeJSON(w, http.StatusOK, map[string]bool{"verified": true})
}

func (s *Server) handleVerifyZK(w http.ResponseWriter, r *http.Request) {
	var req protocol.VerifyZKRequest
	if err := decodeBody(r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	d := req.Disclosure
	if err := d.Validate(); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if status, err := s.checkHolder(r, req.HolderKey, d.Holder); err != nil {
		sendJSONError(w, status, err.Error())
		return
	}

	s.mu.Lock()
	issued, ok := s.issued[d.CredentialID]
	s.mu.Unlock()
	if !ok || d.Issuer != s.issuerID || issued.claim.Index != d.Index || issued.claim.Holder != d.Holder {
		sendJSONError(w, http.StatusBadRequest, "disclosure does not match an issued claim")
		return
	}
	if status, err := s.checkOnChain(r, d.Issuer, d.IdenStateData); err != nil {
		sendJSONError(w, status, err.Error())
		return
	}

	s.logger.Info("disclosure verified", "claim_id", d.CredentialID, "holder_id", d.Holder)
	writeJSON(w, http.StatusOK, map[string]bool{"verified": true})
}

// checkHolder authenticates the caller as holderID using the submitted key.
func (s *Server) checkHolder(r *http.Request, holderKey, holderID string) (int, error) {
	pub, err := keystore.ParseAuthorizedKey(holderKey)
	if err != nil {
		return http.StatusBadRequest, errors.New("invalid holder key")
	}
	if err := authorize(r, pub, holderID); err != nil {
		return http.StatusUnauthorized, err
	}
	return 0, nil
}

// checkOnChain requires the ledger to hold a state at least as recent as sd.
func (s *Server) checkOnChain(r *http.Request, issuerID string, sd protocol.StateData) (int, error) {
	st, err := s.ledger.StateOf(r.Context(), issuerID)
	if err != nil || st.BlockN < sd.BlockN {
		return http.StatusBadRequest, errors.New("issuer state not found on chain")
	}
	if st.BlockN == sd.BlockN && st.Root != sd.IdenState {
		return http.StatusBadRequest, errors.New("issuer state does not match chain")
	}
	return 0, nil
}

// authorize checks the bearer token was signed by pub for holderID.
func authorize(r *http.Request, pub ed25519.PublicKey, holderID string) error {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return errors.New("missing holder token")
	}
	sub, err := protocol.VerifyHolderToken(token, pub)
	if err != nil {
		return err
	}
	if sub != holderID {
		return errors.New("holder token subject mismatch")
	}
	return nil
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, protocol.ErrorResponse{Error: message})
}

// IssuerURL returns the issuer base URL of a server mounted at base.
func IssuerURL(base string) string { return strings.TrimSuffix(base, "/") + "/issuer/" }

// VerifierURL returns the verifier base URL of a server mounted at base.
func VerifierURL(base string) string { return strings.TrimSuffix(base, "/") + "/verifier/" }

// Web3URL returns the JSON-RPC ledger URL of a server mounted at base.
func Web3URL(base string) string { return strings.TrimSuffix(base, "/") + "/rpc" }
