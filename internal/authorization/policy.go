package authorization

import (
	_ "embed"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"github.com/casbin/casbin/v2/persist"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectDispute      = "dispute"
	ObjectConsensusLog = "consensus_log"
	ObjectScheduler    = "scheduler"
)

const (
	ActionDisputeOpen      = "dispute.open"
	ActionDisputeView      = "dispute.view"
	ActionOfferSubmit      = "offer.submit"
	ActionOfferAccept      = "offer.accept"
	ActionEscalate         = "dispute.escalate"
	ActionEvidenceAdd      = "evidence.add"
	ActionOptionsGenerate  = "options.generate"
	ActionOptionSelect     = "option.select"
	ActionDecisionGenerate = "decision.generate"
	ActionDecisionAccept   = "decision.accept"
	ActionExternalChoose   = "external.choose"
	ActionSettlementRetry  = "settlement.retry"
	ActionStatementView    = "statement.view"
	ActionConsensusLogView = "consensus_log.view"
	ActionSchedulerRun     = "scheduler.run"
)

const (
	roleCustomer = "role:customer"
	roleVendor   = "role:vendor"
	roleSystem   = "role:system"
)

// grants is the static permission table. Parties act on their own disputes;
// the system role drives sweeps and the internal routes but never picks the
// external provider or adds evidence on a party's behalf.
var grants = map[string]map[string][]string{
	roleCustomer: {ObjectDispute: partyActions},
	roleVendor:   {ObjectDispute: partyActions},
	roleSystem: {
		ObjectDispute: {
			ActionDisputeView,
			ActionEscalate,
			ActionOptionsGenerate,
			ActionDecisionGenerate,
			ActionDecisionAccept,
			ActionSettlementRetry,
		},
		ObjectConsensusLog: {ActionConsensusLogView},
		ObjectScheduler:    {ActionSchedulerRun},
	},
}

var partyActions = []string{
	ActionDisputeOpen,
	ActionDisputeView,
	ActionOfferSubmit,
	ActionOfferAccept,
	ActionEscalate,
	ActionEvidenceAdd,
	ActionOptionsGenerate,
	ActionOptionSelect,
	ActionDecisionGenerate,
	ActionDecisionAccept,
	ActionExternalChoose,
	ActionStatementView,
}

// NewEnforcer persists policies and role links in casbin_rule.
func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	return newEnforcer(adapter)
}

// NewMemoryEnforcer builds an enforcer without persistence.
func NewMemoryEnforcer() (*casbin.SyncedEnforcer, error) {
	return newEnforcer(nil)
}

func newEnforcer(adapter persist.Adapter) (*casbin.SyncedEnforcer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	params := []interface{}{m}
	if adapter != nil {
		params = append(params, adapter)
	}
	enforcer, err := casbin.NewSyncedEnforcer(params...)
	if err != nil {
		return nil, err
	}
	if adapter != nil {
		enforcer.EnableAutoSave(true)
		if err := enforcer.LoadPolicy(); err != nil {
			return nil, err
		}
	}
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	return enforcer, enforcer.BuildRoleLinks()
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	for role, objects := range grants {
		for object, actions := range objects {
			for _, action := range actions {
				has, err := enforcer.HasPolicy(role, object, action)
				if err != nil {
					return err
				}
				if has {
					continue
				}
				if _, err := enforcer.AddPolicy(role, object, action); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
