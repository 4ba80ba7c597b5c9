package media

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/kdomanski/iso9660"

	"github.com/cochaviz/manualcapture/internal/logging"
)

// Stager packs installer directories into ISO images on a directory that is
// mounted as a backend datastore.
type Stager struct {
	// Dir is the local mount of the datastore.
	Dir string
	// Datastore is the datastore name the backend knows Dir by.
	Datastore string
	Logger    *slog.Logger
}

// Staged describes a written image.
type Staged struct {
	ImagePath    string
	FileName     string
	VolumeLabel  string
	DatastoreURI string
}

// Stage writes sourceDir into a new ISO image and returns where the backend
// can find it.
func (s Stager) Stage(sourceDir, label string) (Staged, error) {
	if strings.TrimSpace(s.Dir) == "" {
		return Staged{}, errors.New("staging directory is required")
	}
	if strings.TrimSpace(s.Datastore) == "" {
		return Staged{}, errors.New("staging datastore is required")
	}

	srcAbs, err := filepath.Abs(sourceDir)
	if err != nil {
		return Staged{}, fmt.Errorf("resolve installer directory %q: %w", sourceDir, err)
	}
	info, err := os.Stat(srcAbs)
	if err != nil {
		return Staged{}, fmt.Errorf("stat installer directory %q: %w", srcAbs, err)
	}
	if !info.IsDir() {
		return Staged{}, fmt.Errorf("installer path %q is not a directory", srcAbs)
	}

	if label == "" {
		label = filepath.Base(srcAbs)
	}
	volumeLabel := SanitizeVolumeLabel(label)
	fileName := fmt.Sprintf("%s-%s.iso", strings.ToLower(volumeLabel), uuid.NewString()[:8])
	imagePath := filepath.Join(s.Dir, fileName)

	if err := createISOFromDirectory(srcAbs, imagePath, volumeLabel); err != nil {
		return Staged{}, err
	}

	staged := Staged{
		ImagePath:    imagePath,
		FileName:     fileName,
		VolumeLabel:  volumeLabel,
		DatastoreURI: DatastoreURI(s.Datastore, fileName),
	}
	logging.Ensure(s.Logger).With("component", "media").Info("staged installer image",
		"source", srcAbs,
		"image", imagePath,
		"uri", staged.DatastoreURI,
	)
	return staged, nil
}

// DatastoreURI builds the datastore://name/path form the backend accepts as
// an input URI.
func DatastoreURI(datastore, file string) string {
	return "datastore://" + path.Join(datastore, filepath.ToSlash(file))
}

func createISOFromDirectory(sourceDir, imagePath, volumeLabel string) error {
	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	if err := writer.AddLocalDirectory(sourceDir, "/"); err != nil {
		return fmt.Errorf("stage directory: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(imagePath), 0o755); err != nil {
		return fmt.Errorf("ensure image directory: %w", err)
	}

	out, err := os.OpenFile(imagePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create image file: %w", err)
	}

	if err := writer.WriteTo(out, volumeLabel); err != nil {
		out.Close()
		_ = os.Remove(imagePath)
		return fmt.Errorf("write iso: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(imagePath)
		return fmt.Errorf("finalize iso: %w", err)
	}
	return nil
}

// SanitizeVolumeLabel maps label onto the ISO 9660 d-character set, at most
// 32 characters.
func SanitizeVolumeLabel(label string) string {
	const maxLen = 32

	var b strings.Builder
	for _, r := range label {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - ('a' - 'A'))
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	if b.Len() == 0 {
		return "INSTALLER"
	}
	return b.String()
}
