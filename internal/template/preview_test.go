package template

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draycraft/dray/internal/config"
	"github.com/draycraft/dray/internal/db"
	"github.com/draycraft/dray/internal/objstore"
)

func previewFixture(t *testing.T) (*Renderer, *objstore.FS, *db.Template) {
	t.Helper()
	store, err := objstore.NewFS(t.TempDir(), 0, "")
	require.NoError(t, err)
	renderer := NewRenderer(store, config.DefaultPolicy(), nil)
	tmpl := &db.Template{
		Slug:          "modern-stay",
		Name:          "Modern Stay",
		Version:       2,
		BlueprintJSON: validBlueprintJSON,
		BlueprintHash: "h1",
	}
	return renderer, store, tmpl
}

func TestRenderUploadsBundle(t *testing.T) {
	renderer, store, tmpl := previewFixture(t)
	ctx := context.Background()

	assetDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(assetDir, "style.css"), []byte("body{margin:0}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(assetDir, "notes.txt"), []byte("ignored"), 0o644))

	preview, err := renderer.Render(ctx, tmpl, map[string]string{"property_name": "Acme Lofts"}, assetDir)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(preview.URL, "templates/modern-stay/v2/preview/index.html"))
	assert.True(t, strings.HasSuffix(preview.ThumbnailURL, "thumbnail.svg"))
	assert.Equal(t, 1, preview.AssetCount)
	assert.Greater(t, preview.BundleBytes, int64(0))

	page, err := store.Get(ctx, "templates/modern-stay/v2/preview/index.html")
	require.NoError(t, err)
	assert.Contains(t, string(page), "Welcome to Acme Lofts")
	assert.Contains(t, string(page), `<section class="hero">`)
	assert.Contains(t, string(page), `<form class="lead-form">`)

	_, err = store.Get(ctx, "templates/modern-stay/v2/preview/assets/style.css")
	require.NoError(t, err)
}

func TestRenderWithoutAssetDir(t *testing.T) {
	renderer, _, tmpl := previewFixture(t)

	preview, err := renderer.Render(context.Background(), tmpl, nil, "")
	require.NoError(t, err)
	assert.Zero(t, preview.AssetCount)
	assert.Contains(t, preview.URL, "preview/index.html")
}

func TestRenderRejectsOversizeBundle(t *testing.T) {
	store, err := objstore.NewFS(t.TempDir(), 0, "")
	require.NoError(t, err)
	policy := config.DefaultPolicy()
	policy.PreviewMaxBundleMB = 1
	renderer := NewRenderer(store, policy, nil)

	assetDir := t.TempDir()
	big := make([]byte, (1<<20)+(1<<19))
	require.NoError(t, os.WriteFile(filepath.Join(assetDir, "huge.png"), big, 0o644))

	tmpl := &db.Template{Slug: "modern-stay", Version: 1, BlueprintJSON: validBlueprintJSON}
	_, err = renderer.Render(context.Background(), tmpl, nil, assetDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit")
}

func TestRenderRejectsInvalidBlueprint(t *testing.T) {
	renderer, _, tmpl := previewFixture(t)
	tmpl.BlueprintJSON = `{"meta":{"schema_version":1}}`

	_, err := renderer.Render(context.Background(), tmpl, nil, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hard checks")
}
