package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"packdesk/internal/config"
	"packdesk/internal/domain"
	"packdesk/internal/events"
	"packdesk/internal/exclusivity"
	"packdesk/internal/repo"
)

var (
	// ErrMachineNotFound means the named machine does not exist.
	ErrMachineNotFound = errors.New("machine not found")
	// ErrNoMachineAvailable means every machine is assigned or excluded.
	ErrNoMachineAvailable = errors.New("no machine available")
	// ErrMachineMismatch means the check-in names a machine other than the
	// holder's active assignment.
	ErrMachineMismatch = errors.New("machine does not match active assignment")
	// ErrInvalidPrompt means a prompt field is out of range.
	ErrInvalidPrompt = errors.New("invalid prompt")
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Index  exclusivity.Index
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, idx exclusivity.Index) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Index:  idx,
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// AssignMachine selects one machine that is neither assigned nor in the
// holder's exclusion set. Selection is first-match ordered by machine name
// ascending.
func (e Engine) AssignMachine(ctx context.Context, holderID string, excluded []string) (domain.Machine, error) {
	assigned, err := e.Index.AssignedMachineNames(ctx)
	if err != nil {
		return domain.Machine{}, err
	}
	m, err := e.Repo.FirstEligibleMachine(ctx, mergeNames(assigned, excluded))
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Machine{}, ErrNoMachineAvailable
	}
	if err != nil {
		return domain.Machine{}, err
	}
	return m, nil
}

// ReportMissing records that the holder cannot physically find the machine,
// extends the exclusion set and returns a fresh candidate so the caller can
// retry seamlessly. The machine entity itself is untouched.
func (e Engine) ReportMissing(ctx context.Context, holderID, machineName string, excluded []string) (domain.Machine, []string, error) {
	m, err := e.Repo.GetMachineByName(ctx, machineName)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Machine{}, excluded, ErrMachineNotFound
	}
	if err != nil {
		return domain.Machine{}, excluded, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Machine{}, excluded, err
	}
	defer tx.Rollback()
	rep := domain.MissingReport{
		TS:          e.now().UTC().Format(time.RFC3339),
		UserID:      holderID,
		MachineID:   m.ID,
		MachineName: m.Name,
	}
	if _, err := e.Repo.InsertMissingReport(ctx, tx, rep); err != nil {
		return domain.Machine{}, excluded, fmt.Errorf("insert missing report: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "machine.missing.reported", "machine", m.ID, holderID, events.EventPayload{"name": m.Name}); err != nil {
		return domain.Machine{}, excluded, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Machine{}, excluded, err
	}

	excluded = mergeNames(excluded, []string{m.Name})
	next, err := e.AssignMachine(ctx, holderID, excluded)
	if err != nil {
		return domain.Machine{}, excluded, err
	}
	return next, excluded, nil
}

// CheckOutOptions are parameters for claiming a machine.
type CheckOutOptions struct {
	HolderID    string
	HolderName  string
	MachineName string
	Prompt      domain.Prompt
}

// CheckOut claims the machine for the holder and appends the opening log
// entry. The claim happens before the log write; if the write fails the claim
// is released so no assignment is left without a record.
func (e Engine) CheckOut(ctx context.Context, opts CheckOutOptions) (domain.LogEntry, error) {
	if err := validatePrompt(opts.Prompt, true); err != nil {
		return domain.LogEntry{}, err
	}
	m, err := e.Repo.GetMachineByName(ctx, opts.MachineName)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.LogEntry{}, ErrMachineNotFound
	}
	if err != nil {
		return domain.LogEntry{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	claim := domain.Assignment{
		MachineID:   m.ID,
		MachineName: m.Name,
		HolderID:    opts.HolderID,
		HolderName:  opts.HolderName,
		Task:        opts.Prompt.Task,
		ClaimedAt:   now,
	}
	if err := e.Index.TryClaim(ctx, claim); err != nil {
		return domain.LogEntry{}, err
	}

	entry := domain.LogEntry{
		TS:          now,
		UserID:      opts.HolderID,
		MachineID:   m.ID,
		MachineName: m.Name,
		Active:      true,
		Prompt:      opts.Prompt,
	}
	entry, err = e.appendEntry(ctx, entry, "checkout.completed", opts.HolderID)
	if err != nil {
		// No stuck assignment without a log record: undo the claim.
		if relErr := e.Index.Release(ctx, m.ID, opts.HolderID); relErr != nil && !errors.Is(relErr, exclusivity.ErrNotAssigned) {
			return domain.LogEntry{}, errors.Join(err, fmt.Errorf("rollback claim: %w", relErr))
		}
		return domain.LogEntry{}, err
	}
	return entry, nil
}

// CheckInOptions are parameters for returning a machine. The task label is
// not supplied; it is copied from the active assignment.
type CheckInOptions struct {
	HolderID    string
	MachineName string
	Condition   int
	Battery     int
	Note        string
}

// CheckInResult carries the closing log entry. Partial is set when the entry
// was durably written but the exclusivity release kept failing; the check-in
// still counts.
type CheckInResult struct {
	Entry   domain.LogEntry
	Partial bool
}

const releaseAttempts = 3

// CheckIn verifies the holder's active assignment, appends the closing log
// entry, then releases the claim. The log write commits first; release is
// idempotent and retried, and a release that still fails surfaces as a
// partial check-in rather than an error.
func (e Engine) CheckIn(ctx context.Context, opts CheckInOptions) (CheckInResult, error) {
	prompt := domain.Prompt{Condition: opts.Condition, Battery: opts.Battery, Note: opts.Note}
	if err := validatePrompt(prompt, false); err != nil {
		return CheckInResult{}, err
	}
	m, err := e.Repo.GetMachineByName(ctx, opts.MachineName)
	if errors.Is(err, repo.ErrNotFound) {
		return CheckInResult{}, ErrMachineNotFound
	}
	if err != nil {
		return CheckInResult{}, err
	}
	a, err := e.Index.HolderAssignment(ctx, opts.HolderID)
	if err != nil {
		return CheckInResult{}, err
	}
	if a.MachineName != m.Name {
		return CheckInResult{}, ErrMachineMismatch
	}
	if a.HolderID != opts.HolderID {
		return CheckInResult{}, exclusivity.ErrHolderMismatch
	}
	prompt.Task = a.Task

	entry := domain.LogEntry{
		TS:          e.now().UTC().Format(time.RFC3339),
		UserID:      opts.HolderID,
		MachineID:   m.ID,
		MachineName: m.Name,
		Active:      false,
		Prompt:      prompt,
	}
	entry, err = e.appendEntry(ctx, entry, "checkin.completed", opts.HolderID)
	if err != nil {
		return CheckInResult{}, err
	}

	if err := e.releaseWithRetry(ctx, m.ID, opts.HolderID); err != nil {
		e.appendPartialEvent(ctx, m, opts.HolderID, err)
		return CheckInResult{Entry: entry, Partial: true}, nil
	}
	return CheckInResult{Entry: entry}, nil
}

func (e Engine) appendEntry(ctx context.Context, entry domain.LogEntry, evtType, actorID string) (domain.LogEntry, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return entry, err
	}
	defer tx.Rollback()
	id, err := e.Repo.InsertLogEntry(ctx, tx, entry)
	if err != nil {
		return entry, fmt.Errorf("append log entry: %w", err)
	}
	entry.ID = id
	if err := e.Events.Append(ctx, tx, evtType, "machine", entry.MachineID, actorID, events.EventPayload{
		"machine": entry.MachineName,
		"task":    entry.Prompt.Task,
	}); err != nil {
		return entry, err
	}
	if err := tx.Commit(); err != nil {
		return entry, err
	}
	return entry, nil
}

func (e Engine) releaseWithRetry(ctx context.Context, machineID, holderID string) error {
	var err error
	for attempt := 0; attempt < releaseAttempts; attempt++ {
		err = e.Index.Release(ctx, machineID, holderID)
		if err == nil || errors.Is(err, exclusivity.ErrNotAssigned) {
			// Already released counts as released.
			return nil
		}
		if errors.Is(err, exclusivity.ErrHolderMismatch) {
			return err
		}
	}
	return err
}

func (e Engine) appendPartialEvent(ctx context.Context, m domain.Machine, holderID string, cause error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "checkin.partial", "machine", m.ID, holderID, events.EventPayload{
		"name":  m.Name,
		"error": cause.Error(),
	}); err != nil {
		return
	}
	_ = tx.Commit()
}

// ActiveAssignments returns every live assignment, for activity reporting.
func (e Engine) ActiveAssignments(ctx context.Context) ([]domain.Assignment, error) {
	return e.Index.ListAssignments(ctx)
}

// CreateMachine registers a new machine.
func (e Engine) CreateMachine(ctx context.Context, name string, condition int, note, actorID string) (domain.Machine, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Machine{}, errors.New("name is required")
	}
	if condition < 0 || condition > 5 {
		return domain.Machine{}, errors.New("condition must be between 0 and 5")
	}
	if _, err := e.Repo.GetMachineByName(ctx, name); err == nil {
		return domain.Machine{}, fmt.Errorf("machine %s already exists", name)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Machine{}, err
	}
	m := domain.Machine{
		ID:        uuid.New().String(),
		Name:      name,
		Condition: condition,
		Note:      note,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Machine{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertMachine(ctx, tx, m); err != nil {
		return domain.Machine{}, fmt.Errorf("insert machine: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "machine.created", "machine", m.ID, actorID, events.EventPayload{"name": m.Name}); err != nil {
		return domain.Machine{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Machine{}, err
	}
	return m, nil
}

// CreateUser registers a new user with a hashed credential.
func (e Engine) CreateUser(ctx context.Context, name, password string, admin bool, actorID string) (domain.User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.User{}, errors.New("name is required")
	}
	if password == "" {
		return domain.User{}, errors.New("password is required")
	}
	if _, err := e.Repo.GetUserByName(ctx, name); err == nil {
		return domain.User{}, fmt.Errorf("user %s already exists", name)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, err
	}
	u := domain.User{
		ID:           uuid.New().String(),
		Name:         name,
		Admin:        admin,
		PasswordHash: hashPassword(password),
		CreatedAt:    e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertUser(ctx, tx, u); err != nil {
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "user.created", "user", u.ID, actorID, events.EventPayload{"name": u.Name, "admin": u.Admin}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// CreateAPIKey issues a new API key for a user and returns the secret once.
func (e Engine) CreateAPIKey(ctx context.Context, userID, name, actorID string) (string, domain.APIKey, error) {
	if _, err := e.Repo.GetUser(ctx, userID); err != nil {
		return "", domain.APIKey{}, err
	}
	secret := "pdk_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	key := domain.APIKey{
		ID:        uuid.New().String(),
		UserID:    userID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return "", domain.APIKey{}, fmt.Errorf("insert api key: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "apikey.created", "user", userID, actorID, events.EventPayload{"key_id": key.ID}); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return "", domain.APIKey{}, err
	}
	return secret, key, nil
}

func validatePrompt(p domain.Prompt, requireTask bool) error {
	if p.Condition < 0 || p.Condition > 5 {
		return fmt.Errorf("%w: condition must be between 0 and 5", ErrInvalidPrompt)
	}
	if p.Battery < 0 || p.Battery > 100 {
		return fmt.Errorf("%w: battery must be between 0 and 100", ErrInvalidPrompt)
	}
	if requireTask && !domain.ValidTask(p.Task) {
		return fmt.Errorf("%w: unknown task %q", ErrInvalidPrompt, p.Task)
	}
	if !requireTask && p.Task != "" && !domain.ValidTask(p.Task) {
		return fmt.Errorf("%w: unknown task %q", ErrInvalidPrompt, p.Task)
	}
	return nil
}

func hashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

func mergeNames(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var res []string
	for _, list := range [][]string{a, b} {
		for _, name := range list {
			if name == "" {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			res = append(res, name)
		}
	}
	return res
}
