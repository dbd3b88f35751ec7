package script

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/headless-job-runner/internal/browser/browsertest"
)

func run(t *testing.T, env Env) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return NewGojaExecutor().Execute(ctx, env)
}

func TestExecuteResultConversion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		code string
		want string
	}{
		{name: "string", code: `return "hello";`, want: "hello"},
		{name: "number", code: `return 42;`, want: "42"},
		{name: "object", code: `return {a: 1, b: [true, null]};`, want: `{"a":1,"b":[true,null]}`},
		{name: "undefined", code: `const x = 1;`, want: ""},
		{name: "null", code: `return null;`, want: ""},
		{name: "awaited", code: `const v = await Promise.resolve("done"); return v;`, want: "done"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := run(t, Env{Code: tc.code})
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestExecuteThrownErrorMessage(t *testing.T) {
	t.Parallel()

	_, err := run(t, Env{Code: `throw new Error("selector not found");`})
	require.EqualError(t, err, "selector not found")

	_, err = run(t, Env{Code: `throw "plain";`})
	require.EqualError(t, err, "plain")
}

func TestExecuteCompileError(t *testing.T) {
	t.Parallel()

	_, err := run(t, Env{Code: `return 1 +;`})
	require.ErrorContains(t, err, "compile script")
}

func TestExecuteTimeoutInterruptsBusyLoop(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewGojaExecutor().Execute(ctx, Env{Code: `while (true) {}`})
	require.ErrorIs(t, err, ErrExecutionTimeout)
	require.Less(t, time.Since(start), time.Second)
}

func TestExecuteTimeoutDuringSleep(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := NewGojaExecutor().Execute(ctx, Env{
		Code: `try { page.sleep(5000); } catch (e) { return "swallowed"; }`,
		Page: browsertest.NewPage(),
	})
	require.ErrorIs(t, err, ErrExecutionTimeout)
}

func TestExecuteSetTimeoutDrivesAwait(t *testing.T) {
	t.Parallel()

	got, err := run(t, Env{Code: `
const order = [];
setTimeout((v) => order.push(v), 30, "late");
const id = setTimeout(() => order.push("cancelled"), 10);
clearTimeout(id);
await new Promise((resolve) => setTimeout(() => { order.push("early"); resolve(); }, 5));
await new Promise((resolve) => setTimeout(resolve, 40));
return order.join(",");`})
	require.NoError(t, err)
	require.Equal(t, "early,late", got)
}

func TestExecuteTimerCallbackThrows(t *testing.T) {
	t.Parallel()

	_, err := run(t, Env{Code: `await new Promise(() => setTimeout(() => { throw new Error("boom"); }, 1));`})
	require.EqualError(t, err, "boom")
}

func TestExecuteUnsettledPromiseWaitsForDeadline(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewGojaExecutor().Execute(ctx, Env{Code: `await new Promise(() => {}); return "unreachable";`})
	require.ErrorIs(t, err, ErrExecutionTimeout)
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestExecutePageBindings(t *testing.T) {
	t.Parallel()

	page := browsertest.NewPage()
	page.SetTitle("Example Domain")
	page.SetElement("#price", "$12.99")
	page.SetElement("button.buy", "Buy")
	page.EvalResults["document.links.length"] = 3

	code := `
await page.goto("https://example.com/" + rowData.sku);
await page.waitForSelector("#price");
await page.type("#qty", "2");
await page.click("button.buy");
const links = await page.evaluate("document.links.length");
return {
  url: await page.url(),
  title: await page.title(),
  price: await page.text("#price"),
  links: links,
  browser: browser.id,
  version: await browser.version(),
};`
	got, err := run(t, Env{
		Code:      code,
		Page:      page,
		Browser:   browsertest.NewBrowser("b1"),
		BrowserID: "browser-1",
		RowData:   map[string]string{"sku": "A-1"},
	})
	require.NoError(t, err)
	require.JSONEq(t, `{
		"url": "https://example.com/A-1",
		"title": "Example Domain",
		"price": "$12.99",
		"links": 3,
		"browser": "browser-1",
		"version": "FakeChrome/1.0 (b1)"
	}`, got)
	require.Equal(t, []string{"button.buy"}, page.Clicks())
	require.Equal(t, "2", page.Typed("#qty"))
}

func TestExecuteBindingErrorsReject(t *testing.T) {
	t.Parallel()

	page := browsertest.NewPage()
	page.NavigateErr = errors.New("net::ERR_NAME_NOT_RESOLVED")

	_, err := run(t, Env{Code: `await page.goto("https://nope.invalid");`, Page: page})
	require.ErrorContains(t, err, "ERR_NAME_NOT_RESOLVED")

	got, err := run(t, Env{Code: `try { await page.click("#missing"); } catch (e) { return "caught"; }`, Page: page})
	require.NoError(t, err)
	require.Equal(t, "caught", got)
}

func TestExecuteScreenshotSavesArtifact(t *testing.T) {
	t.Parallel()

	saver := &fakeSaver{}
	got, err := run(t, Env{Code: `return await page.screenshot("landing");`, Page: browsertest.NewPage(), Artifacts: saver})
	require.NoError(t, err)
	require.Equal(t, "memory://landing", got)
	require.Equal(t, []string{"landing"}, saver.names)

	_, err = run(t, Env{Code: `return await page.screenshot();`, Page: browsertest.NewPage()})
	require.ErrorContains(t, err, "not configured")
}

func TestExecuteLogging(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	_, err := run(t, Env{
		Code:   `log("hello", 1, {a: 2}); log.warn("careful"); log.error("bad");`,
		Logger: zap.New(core),
	})
	require.NoError(t, err)

	entries := logs.All()
	require.Len(t, entries, 3)
	require.Equal(t, `hello 1 {"a":2}`, entries[0].Message)
	require.Equal(t, zapcore.WarnLevel, entries[1].Level)
	require.Equal(t, zapcore.ErrorLevel, entries[2].Level)
}

func TestExecuteHTTPGet(t *testing.T) {
	t.Parallel()

	getter := &fakeGetter{resp: HTTPResponse{
		Status:  http.StatusOK,
		Headers: http.Header{"Content-Type": {"application/json"}},
		Body:    []byte(`{"ok":true}`),
	}}
	got, err := run(t, Env{
		Code: `const r = await http.get("https://api.example.com/x");
return {status: r.status, type: r.headers["content-type"], ok: JSON.parse(r.body).ok};`,
		HTTP: getter,
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"status":200,"type":"application/json","ok":true}`, got)
	require.Equal(t, "https://api.example.com/x", getter.url)
}

type fakeSaver struct {
	mu    sync.Mutex
	names []string
}

func (s *fakeSaver) Save(_ context.Context, name, _ string, _ []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names, name)
	return "memory://" + name, nil
}

type fakeGetter struct {
	url  string
	resp HTTPResponse
}

func (g *fakeGetter) Get(_ context.Context, url string) (HTTPResponse, error) {
	g.url = url
	return g.resp, nil
}
