package browserhost

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vincentbai/sessiontrace/internal/activity"
	"github.com/vincentbai/sessiontrace/internal/errortrack"
)

type recordingHandlers struct {
	clicks     []activity.Click
	inputs     []activity.Input
	scrolls    []activity.Scroll
	navigation []string
	errors     []errortrack.Signal
	rejections []string
	console    [][]any
	unloads    int
}

func (h *recordingHandlers) HandleClick(c activity.Click)   { h.clicks = append(h.clicks, c) }
func (h *recordingHandlers) HandleInput(in activity.Input)  { h.inputs = append(h.inputs, in) }
func (h *recordingHandlers) HandleScroll(s activity.Scroll) { h.scrolls = append(h.scrolls, s) }
func (h *recordingHandlers) HandleNavigation(path string)   { h.navigation = append(h.navigation, path) }
func (h *recordingHandlers) HandleError(s errortrack.Signal) {
	h.errors = append(h.errors, s)
}
func (h *recordingHandlers) HandleRejection(reason, _ string) {
	h.rejections = append(h.rejections, reason)
}
func (h *recordingHandlers) HandleConsole(args ...any) { h.console = append(h.console, args) }
func (h *recordingHandlers) HandleUnload()             { h.unloads++ }

func TestDispatchRoutesSignals(t *testing.T) {
	h := &recordingHandlers{}
	var replay []map[string]any
	r := routes{
		handlers:   h,
		onNavigate: h.HandleNavigation,
		onReplay:   func(e map[string]any) { replay = append(replay, e) },
	}

	signals := []string{
		`{"kind":"click","button":0,"x":12,"y":34,"tag":"BUTTON","text":"Buy","attributes":{"data-track":""}}`,
		`{"kind":"input","elementID":"el-1","tag":"INPUT","type":"email","name":"email","value":"a@b.c"}`,
		`{"kind":"scroll","scrollY":250,"scrollHeight":2000,"viewportHeight":1000}`,
		`{"kind":"error","message":"x is undefined","source":"app.js","line":3,"column":7,"stack":"at f"}`,
		`{"kind":"rejection","message":"boom","stack":""}`,
		`{"kind":"console","args":["failed","42"]}`,
		`{"kind":"navigate","path":"/checkout"}`,
		`{"kind":"replay","event":{"type":"mutation","timestamp":1,"data":{"records":2}}}`,
		`{"kind":"unload"}`,
	}
	for _, s := range signals {
		require.NoError(t, dispatch([]byte(s), r), s)
	}

	require.Len(t, h.clicks, 1)
	assert.Equal(t, activity.Click{Tag: "BUTTON", Text: "Buy", X: 12, Y: 34, Attributes: map[string]string{"data-track": ""}}, h.clicks[0])
	require.Len(t, h.inputs, 1)
	assert.Equal(t, "el-1", h.inputs[0].ElementID)
	assert.Equal(t, "email", h.inputs[0].Type)
	require.Len(t, h.scrolls, 1)
	assert.Equal(t, 250.0, h.scrolls[0].ScrollY)
	require.Len(t, h.errors, 1)
	assert.Equal(t, errortrack.Signal{Message: "x is undefined", Source: "app.js", Line: 3, Column: 7, Stack: "at f"}, h.errors[0])
	assert.Equal(t, []string{"boom"}, h.rejections)
	assert.Equal(t, [][]any{{"failed", "42"}}, h.console)
	assert.Equal(t, []string{"/checkout"}, h.navigation)
	require.Len(t, replay, 1)
	assert.Equal(t, "mutation", replay[0]["type"])
	assert.Equal(t, 1, h.unloads)
}

func TestDispatchBeforeSubscribeDropsSignals(t *testing.T) {
	require.NoError(t, dispatch([]byte(`{"kind":"click","tag":"A"}`), routes{}))
	require.NoError(t, dispatch([]byte(`{"kind":"navigate","path":"/x"}`), routes{}))
}

func TestDispatchRejectsUnknownSignals(t *testing.T) {
	h := &recordingHandlers{}
	assert.Error(t, dispatch([]byte(`{"kind":"hover"}`), routes{handlers: h}))
	assert.Error(t, dispatch([]byte(`not json`), routes{handlers: h}))
}

func TestScore(t *testing.T) {
	human := Probe{
		UserAgent:           "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0) Chrome/129.0",
		Plugins:             5,
		MaxTouchPoints:      0,
		HardwareConcurrency: 8,
		Languages:           []string{"en-US", "en"},
		Notifications:       "prompt",
		Canvas:              "data:image/png;base64,AAAA",
	}
	result := Score(human)
	assert.False(t, result.IsBot)
	assert.Equal(t, 5, result.Score)
	assert.Equal(t, []string{"no touch points"}, result.Reasons)

	headless := Probe{
		Webdriver: true,
		UserAgent: "Mozilla/5.0 HeadlessChrome/129.0",
	}
	result = Score(headless)
	assert.True(t, result.IsBot)
	assert.Equal(t, 100, result.Score)
	assert.Contains(t, result.Reasons, "webdriver detected")
	assert.Contains(t, result.Reasons, "user agent indicates bot")
}

func TestScoreIncognitoAndVPN(t *testing.T) {
	vpn := true
	p := Probe{
		UserAgent:           "Mozilla/5.0 (Windows NT 10.0) Chrome/129.0",
		Plugins:             3,
		MaxTouchPoints:      1,
		HardwareConcurrency: 4,
		Languages:           []string{"es-ES"},
		Notifications:       "granted",
		Canvas:              "data:image/png;base64,AAAA",
		StorageQuota:        100 << 20,
		VPN:                 &vpn,
	}

	result := Score(p)
	assert.Equal(t, 25, result.Score)
	assert.False(t, result.IsBot)
	assert.True(t, result.Incognito)
	require.NotNil(t, result.VPN)
	assert.True(t, *result.VPN)
	assert.Equal(t, []string{"incognito mode detected", "vpn detected"}, result.Reasons)

	p.StorageQuota = 2 << 30
	p.VPN = nil
	result = Score(p)
	assert.Zero(t, result.Score)
	assert.False(t, result.Incognito)
	assert.Nil(t, result.VPN)
}

func TestCheckVPN(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"vpn":true,"ip":"203.0.113.7"}`))
	}))
	defer srv.Close()
	ctx := context.Background()

	got := NewDetector(nil, WithVPNCheck(srv.URL+"/check")).checkVPN(ctx)
	require.NotNil(t, got)
	assert.True(t, *got)

	assert.Nil(t, NewDetector(nil, WithVPNCheck(srv.URL+"/broken")).checkVPN(ctx))
	assert.Nil(t, NewDetector(nil).checkVPN(ctx))
}

func TestFingerprintIsStable(t *testing.T) {
	p := Probe{UserAgent: "ua", Platform: "Linux", Languages: []string{"en"}, Timezone: "UTC", Screen: "1920x1080x24", Canvas: "data:image/png;base64,AAAA"}

	a, b := Fingerprint(p), Fingerprint(p)
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)

	p.Timezone = "Europe/Madrid"
	assert.NotEqual(t, a, Fingerprint(p))
}

func TestBridgeScriptIsEmbedded(t *testing.T) {
	for _, want := range []string{bindingName, "pushState", "beforeunload", "unhandledrejection", "__sessiontraceReplay"} {
		assert.True(t, strings.Contains(bridgeScript, want), want)
	}
}
