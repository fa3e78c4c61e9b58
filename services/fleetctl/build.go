package fleetctl

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"fleetd/pkg/archive"
	"fleetd/pkg/crypto"
	"fleetd/services/hub"
)

// Build packs SourceDir into a tar.zst archive at Output and writes a signed
// manifest next to it.
func Build(ctx context.Context, cfg BuildConfig) (*Manifest, error) {
	if cfg.SourceDir == "" {
		return nil, errors.New("source directory is required")
	}
	if cfg.Output == "" {
		return nil, errors.New("output path is required")
	}
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, errors.New("package name is required")
	}
	targetOS := hub.ParseOperatingSystem(cfg.TargetOS)
	if targetOS == hub.OSUnknown {
		return nil, fmt.Errorf("unsupported target os %q", cfg.TargetOS)
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if inside(cfg.SourceDir, cfg.Output) {
		return nil, errors.New("output must be outside the source directory")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	files, err := collectFiles(ctx, cfg.SourceDir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.New("no files found to package")
	}
	if !hasEntrypoint(files, targetOS) {
		return nil, fmt.Errorf("no install entrypoint for %s in %q", targetOS, cfg.SourceDir)
	}

	if err := writeArchive(ctx, cfg.SourceDir, cfg.Output); err != nil {
		return nil, err
	}
	sum, err := crypto.ChecksumFile(cfg.Output)
	if err != nil {
		return nil, fmt.Errorf("checksum archive: %w", err)
	}
	info, err := os.Stat(cfg.Output)
	if err != nil {
		return nil, fmt.Errorf("stat archive: %w", err)
	}

	manifest := &Manifest{
		Version:             manifestVersion,
		CreatedAt:           cfg.Now().UTC().Truncate(time.Second),
		Name:                strings.TrimSpace(cfg.Name),
		TargetOS:            string(targetOS),
		ExpectedReturnValue: cfg.Expected,
		Archive:             filepath.Base(cfg.Output),
		Checksum:            sum,
		Size:                info.Size(),
		Files:               files,
		Signer:              cfg.Signer.PublicKey(),
	}

	payload, err := manifest.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest for signing: %w", err)
	}
	sig, err := cfg.Signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("sign manifest: %w", err)
	}
	manifest.Signature = sig

	if err := writeManifest(ManifestPath(cfg.Output), manifest); err != nil {
		return nil, err
	}

	fmt.Fprintf(cfg.Stdout, "wrote package %s (%d files, %s)\n", cfg.Output, len(files), manifest.TargetOS)
	return manifest, nil
}

func collectFiles(ctx context.Context, root string) ([]ManifestFile, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat source dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source dir %q is not a directory", root)
	}

	var files []ManifestFile
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("relative path for %q: %w", path, err)
		}
		fi, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %q: %w", path, err)
		}
		sum, err := crypto.ChecksumFile(path)
		if err != nil {
			return fmt.Errorf("hash %q: %w", path, err)
		}
		files = append(files, ManifestFile{
			Path:     filepath.ToSlash(rel),
			Size:     fi.Size(),
			Checksum: sum,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].Path < files[j].Path
	})
	return files, nil
}

// hasEntrypoint mirrors the scripts the agent looks for at the archive root.
func hasEntrypoint(files []ManifestFile, targetOS hub.OperatingSystem) bool {
	want := []string{"install.sh"}
	if targetOS == hub.OSWindows {
		want = []string{"install.ps1", "install.cmd", "install.bat"}
	}
	for _, f := range files {
		for _, name := range want {
			if f.Path == name {
				return true
			}
		}
	}
	return false
}

func inside(dir, path string) bool {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absDir, absPath)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func writeArchive(ctx context.Context, src, output string) error {
	if dir := filepath.Dir(output); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	file, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	if _, err := archive.Pack(ctx, src, file); err != nil {
		file.Close()
		os.Remove(output)
		return fmt.Errorf("pack %q: %w", src, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close output file: %w", err)
	}
	return nil
}
