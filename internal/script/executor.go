package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/JakeFAU/headless-job-runner/internal/browser"
)

// ErrExecutionTimeout is returned when the execution deadline passes before the script settles.
var ErrExecutionTimeout = errors.New("execution timeout")

// Executor runs a script against a leased page.
type Executor interface {
	Execute(ctx context.Context, env Env) (string, error)
}

// ArtifactSaver persists binary output produced by a script and returns its URI.
type ArtifactSaver interface {
	Save(ctx context.Context, name, contentType string, data []byte) (string, error)
}

// HTTPResponse is the shape returned to scripts by http.get.
type HTTPResponse struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// HTTPGetter issues plain HTTP GET requests on behalf of scripts.
type HTTPGetter interface {
	Get(ctx context.Context, url string) (HTTPResponse, error)
}

// Env is everything a script can reach.
type Env struct {
	Code      string
	Page      browser.Page
	Browser   browser.Browser
	BrowserID string
	RowData   map[string]string
	Logger    *zap.Logger
	Artifacts ArtifactSaver
	HTTP      HTTPGetter
}

// GojaExecutor evaluates scripts in an embedded ECMAScript runtime, one runtime per execution.
type GojaExecutor struct{}

// NewGojaExecutor builds the default Executor.
func NewGojaExecutor() *GojaExecutor {
	return &GojaExecutor{}
}

// Execute wraps the code in an async function taking (page, browser, rowData, log, http),
// calls it, drives setTimeout callbacks until it settles and converts the settled value.
// Cancellation of ctx interrupts the runtime.
func (e *GojaExecutor) Execute(ctx context.Context, env Env) (string, error) {
	if env.Logger == nil {
		env.Logger = zap.NewNop()
	}
	vm := goja.New()
	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ErrExecutionTimeout) })
	defer stop()

	b := &bindings{ctx: ctx, vm: vm, env: env}
	timers := &timerQueue{}
	b.installTimers(timers)
	fnValue, err := vm.RunString("(async function(page, browser, rowData, log, http) {\n" + env.Code + "\n})")
	if err != nil {
		if ctx.Err() != nil {
			return "", ErrExecutionTimeout
		}
		return "", fmt.Errorf("compile script: %w", err)
	}
	fn, ok := goja.AssertFunction(fnValue)
	if !ok {
		return "", errors.New("compile script: wrapper is not callable")
	}

	ret, err := fn(goja.Undefined(), b.page(), b.browser(), b.rowData(), b.log(), b.http())
	if err != nil {
		return "", b.failure(err)
	}
	if ctx.Err() != nil {
		return "", ErrExecutionTimeout
	}
	promise, ok := ret.Export().(*goja.Promise)
	if !ok {
		return stringify(ret), nil
	}
	if err := b.settle(ctx, timers, promise); err != nil {
		return "", err
	}
	if promise.State() == goja.PromiseStateRejected {
		return "", errors.New(errorMessage(promise.Result()))
	}
	return stringify(promise.Result()), nil
}

func (b *bindings) failure(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) || b.ctx.Err() != nil {
		return ErrExecutionTimeout
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return errors.New(errorMessage(ex.Value()))
	}
	return err
}

// stringify renders a settled value: strings as-is, null/undefined as "", everything else as JSON.
func stringify(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	exported := v.Export()
	if s, ok := exported.(string); ok {
		return s
	}
	raw, err := json.Marshal(exported)
	if err != nil {
		return v.String()
	}
	return string(raw)
}

// errorMessage prefers the message property of thrown Error objects.
func errorMessage(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "script rejected without a reason"
	}
	if obj, ok := v.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) && msg.String() != "" {
			return msg.String()
		}
	}
	return v.String()
}
