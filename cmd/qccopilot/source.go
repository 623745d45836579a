package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aluiziolira/qc-copilot/browser"
	"github.com/aluiziolira/qc-copilot/config"
	"github.com/aluiziolira/qc-copilot/dom"
	"github.com/aluiziolira/qc-copilot/models"
	"github.com/aluiziolira/qc-copilot/pagedata"
)

// pageSource is the review page being automated and where it came from.
type pageSource struct {
	page         dom.Page
	origin       string
	fetchMetrics *pagedata.Metrics
	close        func()
}

// openPage picks the page implementation: a saved file or a plain HTTP fetch
// become an in-memory page with Bootstrap emulation, anything else drives
// Chrome.
func openPage(ctx context.Context, cfg *config.Config, opts options) (*pageSource, error) {
	switch {
	case cfg.HTMLFile != "":
		raw, err := os.ReadFile(cfg.HTMLFile)
		if err != nil {
			return nil, fmt.Errorf("read page: %w", err)
		}
		mem, err := memoryPage(raw)
		if err != nil {
			return nil, err
		}
		return &pageSource{page: mem, origin: cfg.HTMLFile, close: func() {}}, nil

	case opts.fetch:
		fetcher, err := pagedata.NewFetcher(cfg)
		if err != nil {
			return nil, fmt.Errorf("initialising fetcher: %w", err)
		}
		fetched, err := fetcher.Fetch(ctx, cfg.PageURL)
		if err != nil {
			return nil, fmt.Errorf("fetch review page: %w", err)
		}
		mem, err := memoryPage(fetched.HTML)
		if err != nil {
			return nil, err
		}
		return &pageSource{
			page:         mem,
			origin:       fetched.URL,
			fetchMetrics: fetcher.Metrics,
			close:        func() {},
		}, nil

	default:
		live, err := browser.Launch(ctx, browser.Options{
			Headless:  cfg.Headless,
			ExecPath:  cfg.ChromePath,
			RemoteURL: opts.remote,
			URL:       cfg.PageURL,
			UserAgent: cfg.UserAgent,
		})
		if err != nil {
			return nil, err
		}
		return &pageSource{page: live, origin: cfg.PageURL, close: live.Close}, nil
	}
}

func memoryPage(raw []byte) (*dom.Memory, error) {
	mem, err := dom.NewMemory(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("load page: %w", err)
	}
	dom.InstallBootstrap(mem, dom.BootstrapOptions{})
	return mem, nil
}

// release reads the release data from the current page state.
func (s *pageSource) release(ctx context.Context) (*models.ReleaseData, error) {
	doc, err := s.page.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot review page: %w", err)
	}
	release := pagedata.Parse(doc.Selection)
	release.URL = s.origin
	if release.ID == "" {
		slog.Warn("review page has no release id", slog.String("origin", s.origin))
	}
	return release, nil
}
