package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

const defaultScreenshotName = "screenshot"

type bindings struct {
	ctx context.Context
	vm  *goja.Runtime
	env Env
}

// throw raises err inside the runtime as a JS exception.
func (b *bindings) throw(err error) {
	panic(b.vm.NewGoError(err))
}

func (b *bindings) stringArg(call goja.FunctionCall, i int, name string) string {
	arg := call.Argument(i)
	if goja.IsUndefined(arg) || goja.IsNull(arg) {
		b.throw(fmt.Errorf("%s is required", name))
	}
	return arg.String()
}

func (b *bindings) page() goja.Value {
	if b.env.Page == nil {
		return goja.Null()
	}
	obj := b.vm.NewObject()
	p := b.env.Page
	set := func(name string, fn func(goja.FunctionCall) goja.Value) {
		_ = obj.Set(name, fn)
	}

	set("goto", func(call goja.FunctionCall) goja.Value {
		if err := p.Navigate(b.ctx, b.stringArg(call, 0, "url")); err != nil {
			b.throw(err)
		}
		return goja.Undefined()
	})
	set("evaluate", func(call goja.FunctionCall) goja.Value {
		raw, err := p.Evaluate(b.ctx, b.stringArg(call, 0, "expression"))
		if err != nil {
			b.throw(err)
		}
		if len(raw) == 0 {
			return goja.Undefined()
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			b.throw(fmt.Errorf("decode evaluate result: %w", err))
		}
		return b.vm.ToValue(decoded)
	})
	set("content", func(goja.FunctionCall) goja.Value {
		html, err := p.Content(b.ctx)
		if err != nil {
			b.throw(err)
		}
		return b.vm.ToValue(html)
	})
	set("title", func(goja.FunctionCall) goja.Value {
		title, err := p.Title(b.ctx)
		if err != nil {
			b.throw(err)
		}
		return b.vm.ToValue(title)
	})
	set("url", func(goja.FunctionCall) goja.Value {
		loc, err := p.URL(b.ctx)
		if err != nil {
			b.throw(err)
		}
		return b.vm.ToValue(loc)
	})
	set("waitForSelector", func(call goja.FunctionCall) goja.Value {
		if err := p.WaitVisible(b.ctx, b.stringArg(call, 0, "selector")); err != nil {
			b.throw(err)
		}
		return goja.Undefined()
	})
	set("click", func(call goja.FunctionCall) goja.Value {
		if err := p.Click(b.ctx, b.stringArg(call, 0, "selector")); err != nil {
			b.throw(err)
		}
		return goja.Undefined()
	})
	set("type", func(call goja.FunctionCall) goja.Value {
		if err := p.Type(b.ctx, b.stringArg(call, 0, "selector"), b.stringArg(call, 1, "text")); err != nil {
			b.throw(err)
		}
		return goja.Undefined()
	})
	set("text", func(call goja.FunctionCall) goja.Value {
		text, err := p.Text(b.ctx, b.stringArg(call, 0, "selector"))
		if err != nil {
			b.throw(err)
		}
		return b.vm.ToValue(text)
	})
	set("screenshot", func(call goja.FunctionCall) goja.Value {
		name := defaultScreenshotName
		if arg := call.Argument(0); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
			name = arg.String()
		}
		if b.env.Artifacts == nil {
			b.throw(errors.New("screenshot storage is not configured"))
		}
		data, err := p.Screenshot(b.ctx)
		if err != nil {
			b.throw(err)
		}
		uri, err := b.env.Artifacts.Save(b.ctx, name, "image/png", data)
		if err != nil {
			b.throw(err)
		}
		return b.vm.ToValue(uri)
	})
	set("sleep", func(call goja.FunctionCall) goja.Value {
		d := time.Duration(call.Argument(0).ToInteger()) * time.Millisecond
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-b.ctx.Done():
			b.throw(b.ctx.Err())
		}
		return goja.Undefined()
	})
	return obj
}

func (b *bindings) browser() goja.Value {
	obj := b.vm.NewObject()
	_ = obj.Set("id", b.env.BrowserID)
	_ = obj.Set("version", func(goja.FunctionCall) goja.Value {
		if b.env.Browser == nil {
			return goja.Undefined()
		}
		v, err := b.env.Browser.Version(b.ctx)
		if err != nil {
			b.throw(err)
		}
		return b.vm.ToValue(v)
	})
	return obj
}

func (b *bindings) rowData() goja.Value {
	obj := b.vm.NewObject()
	for k, v := range b.env.RowData {
		_ = obj.Set(k, v)
	}
	return obj
}

func (b *bindings) log() goja.Value {
	logger := b.env.Logger.Named("script")
	write := func(level func(string, ...zap.Field)) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, arg := range call.Arguments {
				parts = append(parts, stringify(arg))
			}
			level(strings.Join(parts, " "))
			return goja.Undefined()
		}
	}
	fn := b.vm.ToValue(write(logger.Info)).(*goja.Object)
	_ = fn.Set("info", write(logger.Info))
	_ = fn.Set("warn", write(logger.Warn))
	_ = fn.Set("error", write(logger.Error))
	return fn
}

func (b *bindings) http() goja.Value {
	obj := b.vm.NewObject()
	_ = obj.Set("get", func(call goja.FunctionCall) goja.Value {
		if b.env.HTTP == nil {
			b.throw(errors.New("http helper is not configured"))
		}
		resp, err := b.env.HTTP.Get(b.ctx, b.stringArg(call, 0, "url"))
		if err != nil {
			b.throw(err)
		}
		headers := b.vm.NewObject()
		for k := range resp.Headers {
			_ = headers.Set(strings.ToLower(k), resp.Headers.Get(k))
		}
		out := b.vm.NewObject()
		_ = out.Set("status", resp.Status)
		_ = out.Set("body", string(resp.Body))
		_ = out.Set("headers", headers)
		return out
	})
	return obj
}
