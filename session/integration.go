package session

import (
	"log/slog"

	"github.com/c360/agentkernel/errors"
	"github.com/c360/agentkernel/metric"
	"github.com/c360/agentkernel/wire"
)

// KernelIntegration binds the session manager to kernel message flow: every
// inbound message updates the owning session's counters and runs its policy
// chain before the protocol engine sees it.
type KernelIntegration struct {
	manager *Manager
	metrics *metric.Core
	logger  *slog.Logger
}

// NewKernelIntegration creates the integration layer.
func NewKernelIntegration(manager *Manager, opts ...IntegrationOption) *KernelIntegration {
	ki := &KernelIntegration{
		manager: manager,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(ki)
	}
	return ki
}

// IntegrationOption configures a KernelIntegration.
type IntegrationOption func(*KernelIntegration)

// WithIntegrationLogger sets the integration logger.
func WithIntegrationLogger(logger *slog.Logger) IntegrationOption {
	return func(ki *KernelIntegration) { ki.logger = logger }
}

// WithIntegrationMetrics wires kernel metrics.
func WithIntegrationMetrics(core *metric.Core) IntegrationOption {
	return func(ki *KernelIntegration) { ki.metrics = core }
}

// HandleKernelMessage records the message against its session and applies
// the session's policies. A nil error means the message may proceed.
// Messages for unknown sessions pass through untracked; the protocol engine
// owns whether to create sessions on demand.
func (ki *KernelIntegration) HandleKernelMessage(msg *wire.Message) error {
	id := msg.Header.Session
	if id == "" {
		return nil
	}

	allowed, reason := ki.applyPolicies(id)
	status, tracked := ki.manager.touch(id, !allowed)
	if !tracked {
		return nil
	}

	ki.trackMessage(msg, status)

	if status == Paused {
		return errors.WrapKind(errors.KindPolicyDenied, errors.ErrSessionPaused,
			"KernelIntegration", "HandleKernelMessage", id)
	}
	if status.Terminal() {
		return errors.WrapKind(errors.KindConflict, errors.ErrSessionArchived,
			"KernelIntegration", "HandleKernelMessage", id)
	}
	if !allowed {
		return reason
	}
	return nil
}

// applyPolicies runs the session's policy chain. The first denying decision
// wins; warnings are logged and do not reject.
func (ki *KernelIntegration) applyPolicies(id string) (bool, error) {
	pctx, policies, ok := ki.manager.policyContext(id)
	if !ok {
		return true, nil
	}
	for _, p := range policies {
		decision := p.Check(pctx)
		if decision.Warning != "" {
			ki.logger.Warn("Policy warning", "session_id", id, "policy", p.Name(), "warning", decision.Warning)
		}
		if !decision.Allowed {
			ki.logger.Info("Policy rejected message", "session_id", id, "policy", p.Name(), "reason", decision.Reason)
			return false, decision.Err()
		}
	}
	return true, nil
}

// trackMessage emits per-message observability.
func (ki *KernelIntegration) trackMessage(msg *wire.Message, status Status) {
	if ki.metrics != nil {
		ki.metrics.MessagesReceived.WithLabelValues(string(wire.ChannelShell), msg.Header.MsgType).Inc()
	}
	ki.logger.Debug("Session message",
		"session_id", msg.Header.Session,
		"msg_type", msg.Header.MsgType,
		"msg_id", msg.Header.MsgID,
		"status", status)
}
