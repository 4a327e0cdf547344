package jail

import (
	"log/slog"
)

// Debugf narrates a skipped or performed operation to the verbose sink, in
// the shell-like syntax required by verbose/dry-run mode. A Session calls it
// only when Verbose or DryRun is set; a nil Debugf disables narration.
type Debugf func(format string, args ...any)

// Config is the caller-supplied, not-yet-validated description of a jail
// operation. NewSession validates it once and the Session keeps that
// validated Config; every later component reads it from the Session.
type Config struct {
	JailDir    string // raw, pre-sanitize jail directory
	Owner      string // username, empty for "init" without USER
	DryRun     bool
	Verbose    bool
	StagingDir string // "-S"; empty disables cross-device hard-link staging
	Debugf     Debugf
	Logger     *slog.Logger
}

func (c Config) clone() Config {
	return c
}

// JailDirectory is the validated, located target of an operation: the
// product of PolicyWalker.
type JailDirectory struct {
	Dir       string // absolute, sanitized, trailing slash
	Parent    string
	Component string
	ParentFD  int
	Dev       uint64
	PermDir   string // enclosing authorized directory, trailing slash
	Allowed   bool
}

// JailOwner describes the unprivileged user a "run" action executes as.
type JailOwner struct {
	Name  string
	UID   int
	GID   int
	Home  string
	Shell string
}

// Session threads validated configuration, the located jail directory, and
// process-scoped state (mount table, destination set, alias table) through
// every component, replacing the original program's process-global
// mutable state. One Session is constructed per CLI invocation.
type Session struct {
	cfg    Config
	logger *slog.Logger

	Mounts *MountTable

	destinations map[string]bool
	aliases      *aliasTable

	// exitValue accumulates to 1 when a non-fatal per-entry error occurs
	// during population, mirroring the original's exit_value global.
	exitValue int

	noCopy noCopy
}

// noCopy, embedded (unexported) in Session, makes `go vet -copylocks`
// flag accidental copies of a Session by value.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// NewSession validates cfg and returns a ready-to-use Session.
func NewSession(cfg Config) (*Session, error) {
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		cfg:          cfg,
		logger:       logger,
		Mounts:       NewMountTable(),
		destinations: make(map[string]bool),
		aliases:      newAliasTable(),
	}, nil
}

func (s *Session) debugf(format string, args ...any) {
	if s.cfg.Debugf != nil && (s.cfg.Verbose || s.cfg.DryRun) {
		s.cfg.Debugf(format, args...)
	}
}

// ExitValue returns the accumulated non-fatal exit status (0 or 1), the
// replacement for the original program's exit_value global.
func (s *Session) ExitValue() int {
	return s.exitValue
}

func (s *Session) markNonFatal() {
	s.exitValue = 1
}
