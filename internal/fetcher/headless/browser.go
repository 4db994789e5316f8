package headless

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/streamcrawler/internal/crawler"
)

// BrowserConfig controls how identity browsers are launched.
type BrowserConfig struct {
	// Headless runs Chrome without a window.
	Headless bool
	// ExecPath overrides the Chrome binary lookup.
	ExecPath  string
	UserAgent string
	// DataRoot is where per-identity profile directories are created. Empty
	// uses the system temp dir.
	DataRoot string
}

// Factory implements crawler.BackendFactory. Every identity gets its own
// Chrome process with a private profile directory and the identity's proxy.
type Factory struct {
	cfg    BrowserConfig
	logger *zap.Logger
}

// NewFactory creates a Factory.
func NewFactory(cfg BrowserConfig, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{cfg: cfg, logger: logger.Named("browser")}
}

// Open launches the browser for identityID.
func (f *Factory) Open(ctx context.Context, identityID string, proxy crawler.ProxyHandle) (crawler.Backend, error) {
	dir, err := os.MkdirTemp(f.cfg.DataRoot, "identity-"+identityID+"-")
	if err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), f.allocatorOptions(dir, proxy)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	b := &Browser{
		id:            identityID,
		dataDir:       dir,
		ctx:           browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
		logger:        f.logger,
	}

	// Starting the browser here means a broken launch fails identity creation
	// rather than the first fetch.
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(browserCtx) }()
	select {
	case err = <-started:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		closeErr := b.Close()
		return nil, errors.Join(fmt.Errorf("launch browser for %s: %w", identityID, err), closeErr)
	}
	f.logger.Debug("browser launched",
		zap.String("identity", identityID),
		zap.String("proxy", proxy.ID),
		zap.String("profile", dir),
	)
	return b, nil
}

func (f *Factory) allocatorOptions(dataDir string, proxy crawler.ProxyHandle) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.UserDataDir(dataDir),
	)
	if f.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if f.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(f.cfg.ExecPath))
	}
	if f.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(f.cfg.UserAgent))
	}
	if !proxy.IsZero() {
		opts = append(opts, chromedp.ProxyServer(proxy.URL))
	}
	return opts
}

// Browser is one identity's Chrome process.
type Browser struct {
	id            string
	dataDir       string
	ctx           context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	logger        *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// Context returns the browser context new tabs are created from.
func (b *Browser) Context() context.Context {
	return b.ctx
}

// DataDir returns the profile directory.
func (b *Browser) DataDir() string {
	return b.dataDir
}

// Close implements crawler.Backend. It stops Chrome and removes the profile.
func (b *Browser) Close() error {
	b.closeOnce.Do(func() {
		if b.browserCancel != nil {
			b.browserCancel()
		}
		if b.allocCancel != nil {
			b.allocCancel()
		}
		if b.dataDir != "" {
			if err := os.RemoveAll(b.dataDir); err != nil {
				b.closeErr = fmt.Errorf("remove profile dir: %w", err)
			}
		}
		b.logger.Debug("browser closed", zap.String("identity", b.id))
	})
	return b.closeErr
}
