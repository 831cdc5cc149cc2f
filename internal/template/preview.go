package template

import (
	"context"
	"fmt"
	"html"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/semaphore"

	"github.com/draycraft/dray/internal/config"
	"github.com/draycraft/dray/internal/db"
	"github.com/draycraft/dray/internal/objstore"
)

// assetGlob matches the static files shipped alongside a preview bundle.
const assetGlob = "**/*.{png,jpg,jpeg,webp,svg,gif,ico,css,js,woff,woff2}"

// Renderer produces single-page preview bundles from blueprints and
// uploads them through the storage collaborator. Concurrency is bounded
// so a burst of preview jobs cannot saturate the host.
type Renderer struct {
	store          objstore.Store
	sem            *semaphore.Weighted
	maxBundleBytes int64
	logger         *slog.Logger
}

// Preview describes one uploaded preview bundle.
type Preview struct {
	URL          string
	ThumbnailURL string
	BundleBytes  int64
	AssetCount   int
}

// NewRenderer creates a preview renderer bounded by the policy's preview
// concurrency and bundle-size limits.
func NewRenderer(store objstore.Store, policy config.Policy, logger *slog.Logger) *Renderer {
	concurrent := policy.PreviewMaxConcurrent
	if concurrent <= 0 {
		concurrent = 2
	}
	maxMB := policy.PreviewMaxBundleMB
	if maxMB <= 0 {
		maxMB = 25
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{
		store:          store,
		sem:            semaphore.NewWeighted(int64(concurrent)),
		maxBundleBytes: int64(maxMB) << 20,
		logger:         logger,
	}
}

// Render builds the preview bundle for a registry template: the rendered
// page, any assets under assetDir, and a thumbnail. assetDir may be empty.
// dataset values replace {{key}} tokens in rendered copy.
func (r *Renderer) Render(ctx context.Context, t *db.Template, dataset map[string]string, assetDir string) (*Preview, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)

	bp, failures, err := ParseBlueprint([]byte(t.BlueprintJSON))
	if err != nil {
		return nil, fmt.Errorf("render preview for %s: %w", t.Slug, err)
	}
	if len(failures) > 0 {
		return nil, fmt.Errorf("render preview for %s: blueprint fails %d hard checks", t.Slug, len(failures))
	}

	page := renderPage(bp, dataset)
	bundleBytes := int64(len(page))

	type asset struct {
		rel  string
		data []byte
	}
	var assets []asset
	if assetDir != "" {
		fsys := os.DirFS(assetDir)
		matches, err := doublestar.Glob(fsys, assetGlob)
		if err != nil {
			return nil, fmt.Errorf("glob assets in %s: %w", assetDir, err)
		}
		for _, rel := range matches {
			data, err := fs.ReadFile(fsys, rel)
			if err != nil {
				return nil, fmt.Errorf("read asset %s: %w", rel, err)
			}
			assets = append(assets, asset{rel: rel, data: data})
			bundleBytes += int64(len(data))
		}
	}

	thumb := renderThumbnail(t.Name)
	bundleBytes += int64(len(thumb))

	if bundleBytes > r.maxBundleBytes {
		return nil, fmt.Errorf("preview bundle for %s is %d bytes, limit %d", t.Slug, bundleBytes, r.maxBundleBytes)
	}

	indexKey := objstore.TemplateKey(t.Slug, t.Version, "preview/index.html")
	if err := r.store.Put(ctx, indexKey, []byte(page)); err != nil {
		return nil, err
	}
	for _, a := range assets {
		key := objstore.TemplateKey(t.Slug, t.Version, path.Join("preview/assets", a.rel))
		if err := r.store.Put(ctx, key, a.data); err != nil {
			return nil, err
		}
	}
	thumbKey := objstore.TemplateKey(t.Slug, t.Version, "preview/thumbnail.svg")
	if err := r.store.Put(ctx, thumbKey, thumb); err != nil {
		return nil, err
	}

	url, err := r.store.Presign(ctx, indexKey, 24*time.Hour)
	if err != nil {
		return nil, err
	}
	thumbURL, err := r.store.Presign(ctx, thumbKey, 24*time.Hour)
	if err != nil {
		return nil, err
	}

	r.logger.Info("preview rendered",
		"template", t.Slug, "version", t.Version, "bytes", bundleBytes, "assets", len(assets))
	return &Preview{
		URL:          url,
		ThumbnailURL: thumbURL,
		BundleBytes:  bundleBytes,
		AssetCount:   len(assets),
	}, nil
}

// renderPage folds every blueprint page into one scrollable preview
// document. Real site generation happens downstream; the preview exists
// for the client and the validation runners.
func renderPage(bp *Blueprint, dataset map[string]string) string {
	var b strings.Builder
	b.WriteString("<!doctype html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString(fmt.Sprintf("<meta charset=\"utf-8\">\n<title>%s</title>\n", html.EscapeString(substitute(bp.Meta.Name, dataset))))
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n</head>\n<body>\n")

	if len(bp.Navigation.Items) > 0 {
		b.WriteString(fmt.Sprintf("<nav class=\"nav-%s\">\n", html.EscapeString(bp.Navigation.Style)))
		for _, item := range bp.Navigation.Items {
			b.WriteString(fmt.Sprintf("  <a href=\"#%s\">%s</a>\n",
				html.EscapeString(item.Slug), html.EscapeString(substitute(item.Label, dataset))))
		}
		b.WriteString("</nav>\n")
	}

	for _, page := range bp.Pages {
		b.WriteString(fmt.Sprintf("<main id=\"%s\">\n<h1>%s</h1>\n",
			html.EscapeString(page.Slug), html.EscapeString(substitute(page.Title, dataset))))
		for _, section := range page.Sections {
			b.WriteString(fmt.Sprintf("  <section class=\"%s\"></section>\n", html.EscapeString(section.Type)))
		}
		b.WriteString("</main>\n")
	}

	if bp.Forms.Lead != nil && bp.Forms.Lead.Enabled {
		b.WriteString("<form class=\"lead-form\">\n")
		for _, field := range bp.Forms.Lead.Fields {
			b.WriteString(fmt.Sprintf("  <input name=\"%s\">\n", html.EscapeString(field)))
		}
		b.WriteString("</form>\n")
	}

	b.WriteString("</body>\n</html>\n")
	return b.String()
}

// renderThumbnail emits a placeholder card; raster thumbnails come from an
// external screenshot runner when one is configured.
func renderThumbnail(name string) []byte {
	return []byte(fmt.Sprintf(
		`<svg xmlns="http://www.w3.org/2000/svg" width="320" height="200"><rect width="320" height="200" fill="#eef1f5"/><text x="160" y="105" text-anchor="middle" font-family="sans-serif" font-size="16">%s</text></svg>`,
		html.EscapeString(name)))
}

func substitute(s string, dataset map[string]string) string {
	for key, value := range dataset {
		s = strings.ReplaceAll(s, "{{"+key+"}}", value)
	}
	return s
}
