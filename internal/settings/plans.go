package settings

import (
	"fmt"
	"strings"

	appErrors "tenant-backup/internal/errors"
	"tenant-backup/internal/model"
)

// Unlimited marks a plan limit that does not apply
const Unlimited = -1

// Plan bounds what a tenant may do with backups
type Plan struct {
	Name                string
	MonthlyLimit        int
	MaxSizeBytes        int64
	RetentionDays       int
	Frequencies         []model.Frequency
	Storage             []string
	EncryptionAvailable bool
	CustomKeys          bool
	RestoreTypes        []model.RestoreType
}

const mb = int64(1024 * 1024)

var plans = map[string]Plan{
	"free": {
		Name:          "free",
		MonthlyLimit:  2,
		MaxSizeBytes:  500 * mb,
		RetentionDays: 7,
		Storage:       []string{"local", "memory"},
		RestoreTypes:  []model.RestoreType{model.RestoreSelective},
	},
	"basic": {
		Name:                "basic",
		MonthlyLimit:        10,
		MaxSizeBytes:        5120 * mb,
		RetentionDays:       30,
		Frequencies:         []model.Frequency{model.FrequencyWeekly, model.FrequencyMonthly},
		Storage:             []string{"local", "memory"},
		EncryptionAvailable: true,
		RestoreTypes:        []model.RestoreType{model.RestoreSelective, model.RestoreMerge},
	},
	"pro": {
		Name:                "pro",
		MonthlyLimit:        Unlimited,
		MaxSizeBytes:        51200 * mb,
		RetentionDays:       90,
		Frequencies:         []model.Frequency{model.FrequencyDaily, model.FrequencyWeekly, model.FrequencyMonthly},
		Storage:             []string{"local", "memory", "s3", "azure", "gcs"},
		EncryptionAvailable: true,
		RestoreTypes:        []model.RestoreType{model.RestoreSelective, model.RestoreMerge, model.RestoreFull},
	},
	"enterprise": {
		Name:                "enterprise",
		MonthlyLimit:        Unlimited,
		MaxSizeBytes:        512000 * mb,
		RetentionDays:       365,
		Frequencies:         []model.Frequency{model.FrequencyHourly, model.FrequencyDaily, model.FrequencyWeekly, model.FrequencyMonthly},
		Storage:             []string{"local", "memory", "s3", "azure", "gcs"},
		EncryptionAvailable: true,
		CustomKeys:          true,
		RestoreTypes:        []model.RestoreType{model.RestoreSelective, model.RestoreMerge, model.RestoreFull},
	},
}

// PlanNames lists the known plans from smallest to largest
func PlanNames() []string {
	return []string{"free", "basic", "pro", "enterprise"}
}

// LookupPlan returns the named plan
func LookupPlan(name string) (Plan, error) {
	p, ok := plans[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Plan{}, appErrors.NewValidationError(appErrors.ReasonInvalidInput, fmt.Sprintf("unknown plan %q", name))
	}
	return p, nil
}

// AllowsFrequency reports whether schedules of the frequency are allowed
func (p Plan) AllowsFrequency(f model.Frequency) bool {
	for _, allowed := range p.Frequencies {
		if allowed == f {
			return true
		}
	}
	return false
}

// AllowsStorage reports whether the storage provider is allowed
func (p Plan) AllowsStorage(provider string) bool {
	for _, allowed := range p.Storage {
		if allowed == provider {
			return true
		}
	}
	return false
}

// AllowsRestoreType reports whether the restore type is allowed
func (p Plan) AllowsRestoreType(t model.RestoreType) bool {
	for _, allowed := range p.RestoreTypes {
		if allowed == t {
			return true
		}
	}
	return false
}

// CapRetention limits days to the plan's retention
func (p Plan) CapRetention(days int) int {
	if days <= 0 || (p.RetentionDays > 0 && days > p.RetentionDays) {
		return p.RetentionDays
	}
	return days
}

// WithinMonthlyLimit reports whether another backup fits after used ones
func (p Plan) WithinMonthlyLimit(used int) bool {
	return p.MonthlyLimit == Unlimited || used < p.MonthlyLimit
}
