package images

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/vmadm/config"
	"github.com/projecteru2/vmadm/gc"
	"github.com/projecteru2/vmadm/progress"
	"github.com/projecteru2/vmadm/types"
)

func newTestCatalog(t *testing.T) (*Catalog, *config.Config) {
	t.Helper()
	conf := config.DefaultConfig()
	conf.RootDir = t.TempDir()
	conf.Normalize()
	c, err := New(conf)
	require.NoError(t, err)
	return c, conf
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestImportResolveClone(t *testing.T) {
	ctx := context.Background()
	c, conf := newTestCatalog(t)

	src := filepath.Join(t.TempDir(), "centos.raw")
	writeFile(t, src, "bootable")

	var phases []progress.Phase
	img, err := c.Import(ctx, src, "", "centos", progress.NewTracker(func(e progress.Event) {
		phases = append(phases, e.Phase)
	}))
	require.NoError(t, err)
	assert.Equal(t, int64(8), img.Size)
	assert.Equal(t, "centos", img.Name)
	assert.Contains(t, img.Digest, "sha256:")
	assert.Equal(t, progress.PhaseDone, phases[len(phases)-1])

	for _, ref := range []string{img.ID, "centos"} {
		path, err := c.Resolve(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(conf.ImageDir, img.ID+".img"), path)
	}

	dst := filepath.Join(t.TempDir(), "vm", "disk0.img")
	require.NoError(t, c.Clone(ctx, img.ID, dst, nil))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "bootable", string(data))

	list, err := c.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestResolveDroppedFile(t *testing.T) {
	ctx := context.Background()
	c, conf := newTestCatalog(t)

	id := "462d1d03-8457-e134-a408-cf9ea2b9be96"
	writeFile(t, filepath.Join(conf.ImageDir, id+".zvol"), "x")

	path, err := c.Resolve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(conf.ImageDir, id+".zvol"), path)

	_, err = c.Resolve(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, types.ErrInvalidSpec)
	_, err = c.Resolve(ctx, "../../etc/passwd")
	assert.ErrorIs(t, err, types.ErrInvalidSpec)
}

func TestImportDuplicateAndDelete(t *testing.T) {
	ctx := context.Background()
	c, conf := newTestCatalog(t)

	src := filepath.Join(t.TempDir(), "img")
	writeFile(t, src, "data")
	id := "462d1d03-8457-e134-a408-cf9ea2b9be96"

	_, err := c.Import(ctx, src, id, "", nil)
	require.NoError(t, err)
	_, err = c.Import(ctx, src, id, "", nil)
	assert.ErrorIs(t, err, types.ErrInvalidSpec)

	deleted, err := c.Delete(ctx, []string{id, "missing"})
	require.NoError(t, err)
	assert.Equal(t, []string{id}, deleted)
	assert.NoFileExists(t, filepath.Join(conf.ImageDir, id+".img"))

	_, err = c.Import(ctx, src, "not-a-uuid", "", nil)
	assert.ErrorIs(t, err, types.ErrInvalidSpec)
}

func TestGCModule(t *testing.T) {
	ctx := context.Background()
	c, conf := newTestCatalog(t)

	src := filepath.Join(t.TempDir(), "img")
	writeFile(t, src, "data")
	kept, err := c.Import(ctx, src, "", "kept", nil)
	require.NoError(t, err)
	lost, err := c.Import(ctx, src, "", "lost", nil)
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(conf.ImageDir, lost.ID+".img")))

	oldTmp := filepath.Join(conf.ImageDir, tmpPrefix+"old")
	freshTmp := filepath.Join(conf.ImageDir, tmpPrefix+"fresh")
	writeFile(t, oldTmp, "x")
	writeFile(t, freshTmp, "x")
	past := time.Now().Add(-2 * tmpGCGrace)
	require.NoError(t, os.Chtimes(oldTmp, past, past))

	orch := gc.New()
	c.RegisterGC(orch)
	counts, err := orch.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts["images"])

	assert.NoFileExists(t, oldTmp)
	assert.FileExists(t, freshTmp, "an import may still be copying")
	list, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, kept.ID, list[0].ID)
}

func TestImportFromURL(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCatalog(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ubuntu.img" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("cloud image"))
	}))
	defer srv.Close()

	assert.True(t, IsURL(srv.URL+"/ubuntu.img"))
	img, err := c.Import(ctx, srv.URL+"/ubuntu.img", "", "ubuntu", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(len("cloud image")), img.Size)

	path, err := c.Resolve(ctx, "ubuntu")
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "cloud image", string(data))

	_, err = c.Import(ctx, srv.URL+"/missing.img", "", "missing", nil)
	assert.ErrorContains(t, err, "404")
}
