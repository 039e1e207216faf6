// Package browser observes Chrome tabs over the DevTools protocol. Each page
// target is a tab: its network events feed the correlator, response bodies
// feed the hook hub while an interceptor is armed, and tabs can be reloaded.
package browser

import (
	"context"
	"encoding/base64"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/burpheart/gpt-tap/internal/correlator"
	"github.com/burpheart/gpt-tap/internal/extractor"
	"github.com/burpheart/gpt-tap/internal/hook"
)

// Config selects how Chrome is reached.
type Config struct {
	// ControlURL is a DevTools websocket URL. Empty launches Chrome.
	ControlURL string
	Bin        string
	Headless   bool
	// StartURL is opened when no tab is open yet.
	StartURL string
}

// Correlator is the part of the correlator the driver feeds.
type Correlator interface {
	ObserveRequest(req correlator.Request)
	ObserveCompletion(ctx context.Context, requestID string, status int) correlator.RequestState
	ObserveNavigation(ctx context.Context, tabID, rawURL string)
	TabRemoved(tabID string)
}

// Pages is told about page loads and closed tabs.
type Pages interface {
	PageVisited(ctx context.Context, tabID, rawURL string) (*extractor.AnalysisResult, bool)
	TabRemoved(tabID string)
}

// tabOps are the per-page CDP calls, split out so event handling can run
// without a browser.
type tabOps struct {
	body   func(ctx context.Context, id proto.NetworkRequestID) ([]byte, error)
	reload func(ctx context.Context) error
	url    func(ctx context.Context) (string, error)
	close  func()
}

type inflight struct {
	method    string
	url       string
	status    int
	primitive hook.Primitive
}

type tab struct {
	id       string
	ops      tabOps
	lastURL  string
	requests map[proto.NetworkRequestID]*inflight
}

// Driver attaches to every page target of one browser.
type Driver struct {
	cfg   Config
	corr  Correlator
	hub   *hook.Hub
	pages Pages

	browser *rod.Browser
	wg      sync.WaitGroup

	mu   sync.Mutex
	tabs map[string]*tab
}

// New creates a Driver. pages may be nil.
func New(cfg Config, corr Correlator, hub *hook.Hub, pages Pages) *Driver {
	return &Driver{cfg: cfg, corr: corr, hub: hub, pages: pages, tabs: make(map[string]*tab)}
}

// Start connects to (or launches) Chrome and attaches to its pages.
func (d *Driver) Start(ctx context.Context) error {
	controlURL := d.cfg.ControlURL
	if controlURL == "" {
		l := launcher.New().Headless(d.cfg.Headless)
		if d.cfg.Bin != "" {
			l = l.Bin(d.cfg.Bin)
		}
		u, err := l.Launch()
		if err != nil {
			return errors.Wrap(err, "launch chrome")
		}
		controlURL = u
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return errors.Wrap(err, "connect to chrome")
	}
	d.browser = b

	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(b); err != nil {
		return errors.Wrap(err, "discover targets")
	}
	wait := b.EachEvent(
		func(ev *proto.TargetTargetCreated) {
			if ev.TargetInfo == nil || ev.TargetInfo.Type != proto.TargetTargetInfoTypePage {
				return
			}
			d.attachTarget(ctx, ev.TargetInfo.TargetID)
		},
		func(ev *proto.TargetTargetDestroyed) {
			d.removeTab(string(ev.TargetID))
		},
	)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		wait()
	}()

	pages, err := b.Pages()
	if err != nil {
		return errors.Wrap(err, "list pages")
	}
	for _, p := range pages {
		d.attach(ctx, p)
	}
	if len(pages) == 0 && d.cfg.StartURL != "" {
		if _, err := b.Page(proto.TargetCreateTarget{URL: d.cfg.StartURL}); err != nil {
			return errors.Wrap(err, "open start page")
		}
	}
	log.Info().Str("component", "browser").Str("control_url", controlURL).Int("pages", len(pages)).Msg("attached to chrome")
	return nil
}

// Close detaches from every tab and closes the connection.
func (d *Driver) Close() error {
	d.mu.Lock()
	tabs := make([]*tab, 0, len(d.tabs))
	for id, t := range d.tabs {
		tabs = append(tabs, t)
		delete(d.tabs, id)
	}
	d.mu.Unlock()
	for _, t := range tabs {
		if t.ops.close != nil {
			t.ops.close()
		}
	}
	var err error
	if d.browser != nil {
		err = d.browser.Close()
	}
	d.wg.Wait()
	return err
}

func (d *Driver) attachTarget(ctx context.Context, id proto.TargetTargetID) {
	p, err := d.browser.PageFromTarget(id)
	if err != nil {
		log.Debug().Str("component", "browser").Str("tab", string(id)).Err(err).Msg("attach page")
		return
	}
	d.attach(ctx, p)
}

// attach subscribes to the network events of page p.
func (d *Driver) attach(ctx context.Context, p *rod.Page) {
	tabID := string(p.TargetID)
	pctx, cancel := context.WithCancel(ctx)
	page := p.Context(pctx)
	added := d.addTab(tabID, tabOps{
		body: func(ctx context.Context, id proto.NetworkRequestID) ([]byte, error) {
			res, err := proto.NetworkGetResponseBody{RequestID: id}.Call(p.Context(ctx))
			if err != nil {
				return nil, err
			}
			if res.Base64Encoded {
				return base64.StdEncoding.DecodeString(res.Body)
			}
			return []byte(res.Body), nil
		},
		reload: func(ctx context.Context) error {
			return proto.PageReload{IgnoreCache: true}.Call(p.Context(ctx))
		},
		url: func(ctx context.Context) (string, error) {
			info, err := p.Context(ctx).Info()
			if err != nil {
				return "", err
			}
			return info.URL, nil
		},
		close: cancel,
	})
	if !added {
		cancel()
		return
	}

	if err := (proto.NetworkEnable{}).Call(p); err != nil {
		log.Debug().Str("component", "browser").Str("tab", tabID).Err(err).Msg("enable network")
		d.removeTab(tabID)
		return
	}

	wait := page.EachEvent(
		func(ev *proto.NetworkRequestWillBeSent) { d.onRequest(pctx, tabID, ev) },
		func(ev *proto.NetworkResponseReceived) { d.onResponse(pctx, tabID, ev) },
		func(ev *proto.NetworkLoadingFinished) { d.onFinished(pctx, tabID, ev) },
		func(ev *proto.NetworkLoadingFailed) { d.onFailed(tabID, ev.RequestID) },
	)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		wait()
	}()

	if u, err := d.URL(pctx, tabID); err == nil && u != "" {
		d.navigated(pctx, tabID, u)
	}
	log.Debug().Str("component", "browser").Str("tab", tabID).Msg("tab attached")
}

// addTab registers tabID unless it is already tracked, reporting whether it
// did. Concurrent attaches of one target race here and only one wins.
func (d *Driver) addTab(tabID string, ops tabOps) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.tabs[tabID]; ok {
		return false
	}
	d.tabs[tabID] = &tab{id: tabID, ops: ops, requests: make(map[proto.NetworkRequestID]*inflight)}
	return true
}

func (d *Driver) removeTab(tabID string) {
	d.mu.Lock()
	t, ok := d.tabs[tabID]
	delete(d.tabs, tabID)
	d.mu.Unlock()
	if !ok {
		return
	}
	if t.ops.close != nil {
		t.ops.close()
	}
	if d.corr != nil {
		d.corr.TabRemoved(tabID)
	}
	if d.pages != nil {
		d.pages.TabRemoved(tabID)
	}
	log.Debug().Str("component", "browser").Str("tab", tabID).Msg("tab removed")
}

// requestKey scopes CDP request ids, which are only unique per target.
func requestKey(tabID string, id proto.NetworkRequestID) string {
	return tabID + "/" + string(id)
}

func primitiveOf(t proto.NetworkResourceType) hook.Primitive {
	switch t {
	case proto.NetworkResourceTypeFetch:
		return hook.PrimitiveFetch
	case proto.NetworkResourceTypeXHR:
		return hook.PrimitiveXHR
	}
	return hook.PrimitiveNetwork
}

func (d *Driver) onRequest(ctx context.Context, tabID string, ev *proto.NetworkRequestWillBeSent) {
	if ev.Request == nil {
		return
	}
	d.mu.Lock()
	t, ok := d.tabs[tabID]
	if ok {
		t.requests[ev.RequestID] = &inflight{method: ev.Request.Method, url: ev.Request.URL, primitive: primitiveOf(ev.Type)}
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	if ev.Type == proto.NetworkResourceTypeDocument && string(ev.LoaderID) == string(ev.RequestID) {
		d.navigated(ctx, tabID, ev.Request.URL)
	}
	if d.corr != nil {
		d.corr.ObserveRequest(correlator.Request{
			ID:     requestKey(tabID, ev.RequestID),
			TabID:  tabID,
			Method: ev.Request.Method,
			URL:    ev.Request.URL,
		})
	}
}

func (d *Driver) navigated(ctx context.Context, tabID, rawURL string) {
	d.mu.Lock()
	if t, ok := d.tabs[tabID]; ok {
		t.lastURL = rawURL
	}
	d.mu.Unlock()
	if d.corr != nil {
		d.corr.ObserveNavigation(ctx, tabID, rawURL)
	}
	if d.pages != nil {
		d.pages.PageVisited(ctx, tabID, rawURL)
	}
}

func (d *Driver) onResponse(ctx context.Context, tabID string, ev *proto.NetworkResponseReceived) {
	if ev.Response == nil {
		return
	}
	d.mu.Lock()
	if t, ok := d.tabs[tabID]; ok {
		if r, ok := t.requests[ev.RequestID]; ok {
			r.status = ev.Response.Status
			r.primitive = primitiveOf(ev.Type)
		}
	}
	d.mu.Unlock()
	if d.corr != nil {
		d.corr.ObserveCompletion(ctx, requestKey(tabID, ev.RequestID), ev.Response.Status)
	}
}

// onFinished reads the body of a completed request and publishes it on the
// hub, but only while an interceptor is armed for the tab.
func (d *Driver) onFinished(ctx context.Context, tabID string, ev *proto.NetworkLoadingFinished) {
	d.mu.Lock()
	t, ok := d.tabs[tabID]
	var r *inflight
	if ok {
		r = t.requests[ev.RequestID]
		delete(t.requests, ev.RequestID)
	}
	d.mu.Unlock()
	if r == nil || d.hub == nil || !d.hub.Armed(tabID) {
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		body, err := t.ops.body(ctx, ev.RequestID)
		if err != nil {
			log.Debug().Str("component", "browser").Str("tab", tabID).Str("url", r.url).Err(err).Msg("read response body")
			return
		}
		d.hub.Publish(hook.Exchange{
			TabID:     tabID,
			RequestID: requestKey(tabID, ev.RequestID),
			Method:    r.method,
			URL:       r.url,
			Status:    r.status,
			Primitive: r.primitive,
			Body:      body,
		})
	}()
}

func (d *Driver) onFailed(tabID string, id proto.NetworkRequestID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.tabs[tabID]; ok {
		delete(t.requests, id)
	}
}

// Tabs returns the attached tab ids.
func (d *Driver) Tabs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.tabs))
	for id := range d.tabs {
		out = append(out, id)
	}
	return out
}

func (d *Driver) lookup(tabID string) (*tab, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tabs[tabID]
	if !ok {
		return nil, errors.Wrap(correlator.ErrUnknownTab, tabID)
	}
	return t, nil
}

// URL implements correlator.Tabs.
func (d *Driver) URL(ctx context.Context, tabID string) (string, error) {
	t, err := d.lookup(tabID)
	if err != nil {
		return "", err
	}
	if t.ops.url != nil {
		if u, err := t.ops.url(ctx); err == nil && u != "" {
			return u, nil
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return t.lastURL, nil
}

// Reload implements correlator.Tabs.
func (d *Driver) Reload(ctx context.Context, tabID string) error {
	t, err := d.lookup(tabID)
	if err != nil {
		return err
	}
	if t.ops.reload == nil {
		return correlator.ErrReloadUnsupported
	}
	return errors.Wrap(t.ops.reload(ctx), "reload page")
}
