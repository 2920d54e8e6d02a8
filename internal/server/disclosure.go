package server

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/mundrapranay/umbra-ledger/internal/noise"
)

// Disclosure is a published department aggregate after noise.
type Disclosure struct {
	DepartmentHash string    `json:"department_hash"`
	Value          int64     `json:"value"`
	Mechanism      string    `json:"mechanism"`
	DisclosedAt    time.Time `json:"disclosed_at"`
}

// DisclosureReporter applies the configured noise mechanism to verified
// aggregate values and keeps the latest disclosure per department. Raw
// values never leave this type unperturbed.
type DisclosureReporter struct {
	mu        sync.RWMutex
	mechanism noise.Mechanism
	latest    map[string]Disclosure
	logger    hclog.Logger
}

// NewDisclosureReporter creates a reporter using the given mechanism.
func NewDisclosureReporter(mechanism noise.Mechanism, logger hclog.Logger) *DisclosureReporter {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &DisclosureReporter{
		mechanism: mechanism,
		latest:    make(map[string]Disclosure),
		logger:    logger.Named("disclosure"),
	}
}

// Disclose noises and records a verified aggregate value.
func (r *DisclosureReporter) Disclose(departmentHash string, value int64) (Disclosure, error) {
	noised, err := r.mechanism.Apply(value)
	if err != nil {
		return Disclosure{}, err
	}

	disclosure := Disclosure{
		DepartmentHash: departmentHash,
		Value:          noised,
		Mechanism:      r.mechanism.Name(),
		DisclosedAt:    time.Now().UTC(),
	}

	r.mu.Lock()
	r.latest[departmentHash] = disclosure
	r.mu.Unlock()

	r.logger.Info("aggregate disclosed",
		"department", departmentHash,
		"mechanism", disclosure.Mechanism)
	return disclosure, nil
}

// MechanismName names the configured noise mechanism.
func (r *DisclosureReporter) MechanismName() string {
	return r.mechanism.Name()
}

// Latest returns the most recent disclosure for a department.
func (r *DisclosureReporter) Latest(departmentHash string) (Disclosure, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	disclosure, ok := r.latest[departmentHash]
	return disclosure, ok
}
