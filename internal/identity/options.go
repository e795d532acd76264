// ABOUTME: Options for creating and loading an identity
// ABOUTME: Validates alias, password, paths and reconciliation settings before any disk access

package identity

import (
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"regexp"
	"time"

	"github.com/2389/idenmobile/internal/config"
	"github.com/2389/idenmobile/internal/events"
	"github.com/2389/idenmobile/internal/keystore"
	"github.com/2389/idenmobile/internal/ledger"
)

var aliasPattern = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// Directory layout below <StorePath>/<alias>.
const (
	keystoreDir = "keystore"
	storeDir    = "store"
	storeFile   = "identity.db"
)

// Meta keys of the identity store.
const (
	metaIdentityID = "identity_id"
	metaAlias      = "alias"
	metaCreatedAt  = "created_at"
)

// Options configures Create and Load.
type Options struct {
	Alias    string
	Password string

	// StorePath is the parent directory holding one directory per alias.
	StorePath string
	// SharedStorePath holds data common to every identity. Defaults to
	// <StorePath>/.shared.
	SharedStorePath string

	// Web3URL is dialed when Ledger is nil.
	Web3URL string
	Ledger  ledger.Ledger

	ReconciliationPeriod time.Duration
	RequestTimeout       time.Duration
	MaxAttempts          int
	LedgerCacheTTL       time.Duration
	KeyParams            keystore.Params

	Listener   events.Listener
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// FromConfig builds Options for alias from a validated configuration.
func FromConfig(cfg *config.Config, alias, password string) Options {
	return Options{
		Alias:                alias,
		Password:             password,
		StorePath:            cfg.StorePath,
		SharedStorePath:      cfg.SharedStorePath,
		Web3URL:              cfg.Web3URL,
		ReconciliationPeriod: cfg.Tickets.ReconciliationPeriod,
		RequestTimeout:       cfg.Tickets.RequestTimeout,
		MaxAttempts:          cfg.Tickets.MaxAttempts,
		KeyParams:            keystore.Params{WorkFactor: cfg.Keystore.WorkFactor},
	}
}

func (o *Options) validate() error {
	if o.Alias == "" || !aliasPattern.MatchString(o.Alias) {
		return fmt.Errorf("%w: alias %q must be non-empty and alphanumeric", ErrInvalidArgument, o.Alias)
	}
	if o.Password == "" {
		return fmt.Errorf("%w: password is required", ErrInvalidArgument)
	}
	if o.StorePath == "" {
		return fmt.Errorf("%w: store path is required", ErrInvalidArgument)
	}
	if o.ReconciliationPeriod <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidPeriod, o.ReconciliationPeriod)
	}
	if o.Ledger == nil && o.Web3URL == "" {
		return fmt.Errorf("%w: web3 URL is required", ErrNotInitialized)
	}
	if o.MaxAttempts < 0 {
		return fmt.Errorf("%w: max attempts cannot be negative", ErrInvalidArgument)
	}
	return nil
}

func (o *Options) applyDefaults() {
	if o.SharedStorePath == "" {
		o.SharedStorePath = filepath.Join(o.StorePath, config.SharedDirName)
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = config.DefaultRequestTimeout
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = config.DefaultMaxAttempts
	}
	if o.LedgerCacheTTL <= 0 {
		o.LedgerCacheTTL = ledger.DefaultCacheTTL
	}
	if o.KeyParams.WorkFactor == 0 {
		o.KeyParams.WorkFactor = config.DefaultWorkFactor
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

func (o *Options) dir() string { return filepath.Join(o.StorePath, o.Alias) }
