package invoker

import (
	"context"
	"fmt"

	"github.com/fluxion-io/fluxion/logger"
	"github.com/fluxion-io/fluxion/model"
	"github.com/fluxion-io/fluxion/util"
	"go.uber.org/zap"
)

// EmailInvoker hands the message to a mail relay. The relay integration is an
// external concern; this adapter validates the envelope and records the send.
type EmailInvoker struct{}

var _ ActionInvoker = new(EmailInvoker)

func NewEmailInvoker() *EmailInvoker {
	return &EmailInvoker{}
}

func (e *EmailInvoker) Name() string {
	return "email"
}

func (e *EmailInvoker) Invoke(ctx context.Context, config map[string]any, variables map[string]any) model.InvokeResult {
	to, _ := config["to"].(string)
	subject, _ := config["subject"].(string)
	if to == "" {
		return failure("email action requires to", false)
	}
	logger.Info("email queued", zap.String("to", to), zap.String("subject", subject))
	return success(map[string]any{"sent": true, "to": to})
}

// TransformInvoker maps a template through the execution variables and emits
// the resolved structure as outputs.
type TransformInvoker struct{}

var _ ActionInvoker = new(TransformInvoker)

func NewTransformInvoker() *TransformInvoker {
	return &TransformInvoker{}
}

func (t *TransformInvoker) Name() string {
	return "transform"
}

func (t *TransformInvoker) Invoke(ctx context.Context, config map[string]any, variables map[string]any) model.InvokeResult {
	template, ok := config["template"].(map[string]any)
	if !ok {
		return failure("transform action requires template", false)
	}
	return success(util.ResolveParams(variables, template))
}

// LogInvoker writes a message to the engine log.
type LogInvoker struct{}

var _ ActionInvoker = new(LogInvoker)

func NewLogInvoker() *LogInvoker {
	return &LogInvoker{}
}

func (l *LogInvoker) Name() string {
	return "log"
}

func (l *LogInvoker) Invoke(ctx context.Context, config map[string]any, variables map[string]any) model.InvokeResult {
	message := fmt.Sprintf("%v", config["message"])
	logger.Info("workflow log action", zap.String("message", message))
	return success(nil)
}

// DefaultRegistry returns a registry with the built-in adapters registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewHttpInvoker(defaultHttpTimeout))
	r.Register(NewEmailInvoker())
	r.Register(NewTransformInvoker())
	r.Register(NewLogInvoker())
	return r
}
