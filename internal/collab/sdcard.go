package collab

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fabkury/p3a/internal/chanid"
	"github.com/fabkury/p3a/internal/channelcache"
)

// LocalSDCardIndexer implements refresh.SDCardIndexer by walking
// animationsDir and writing a fresh sdcard Ci straight from the files
// found there (storage-card channels have no
// broker, the filesystem itself is the source of truth).
type LocalSDCardIndexer struct {
	animationsDir string
	channelsDir   string
}

func NewLocalSDCardIndexer(animationsDir, channelsDir string) *LocalSDCardIndexer {
	return &LocalSDCardIndexer{animationsDir: animationsDir, channelsDir: channelsDir}
}

// BuildIndex lists animationsDir's allowed-extension files in name order
// and rewrites sdcard.bin with one Ci entry per file. PostID is a
// synthetic ordering hint (its position in the sorted listing); there is
// no post to speak of, only a filename.
func (idx *LocalSDCardIndexer) BuildIndex() error {
	entries, err := os.ReadDir(idx.animationsDir)
	if err != nil {
		if os.IsNotExist(err) {
			entries = nil
		} else {
			return err
		}
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !sdcardExtensions[ext] {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	ci := make([]channelcache.Entry, 0, len(names))
	for i, name := range names {
		ext := strings.ToLower(filepath.Ext(name))
		ci = append(ci, channelcache.Entry{
			PostID:    int32(i),
			Type:      channelcache.EntryStill,
			Filename:  strings.TrimSuffix(name, filepath.Ext(name)),
			Extension: sdcardExtTag[ext],
		})
	}

	c := channelcache.New(chanid.Parse("sdcard"))
	c.MergeCi(ci)
	return c.Save(idx.channelsDir)
}

var sdcardExtensions = map[string]bool{
	".gif": true, ".png": true, ".jpg": true, ".jpeg": true, ".webp": true,
}

// sdcardExtTag maps a file extension to the raw byte tag stored in the Ci
// entry's Extension field. The scheduler resolves this tag back to an
// extension by indexing vault.Extensions, so the tags follow that order;
// ".jpeg" shares the ".jpg" tag.
var sdcardExtTag = map[string]byte{
	".gif":  0,
	".png":  1,
	".jpg":  2,
	".jpeg": 2,
	".webp": 3,
}
