package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"fleetd/pkg/crypto"
)

const (
	plaintextSuffix = "_plaintext"
	selfTestSuffix  = "_temp-encrypted-test"
)

// Mirror keeps an off-host copy of distributables. pkg/s3 provides one.
type Mirror interface {
	Put(ctx context.Context, key, path string) error
	Delete(ctx context.Context, key string) error
}

// NewPackage describes an upload.
type NewPackage struct {
	Name                string
	TargetOS            OperatingSystem
	ExpectedReturnValue *string
	Checksum            string
}

// ProcessResult is the outcome of one pipeline run.
type ProcessResult struct {
	Package Package
	Status  PackageStatus
	// Cause explains an error status. It is nil for StatusProcessed.
	Cause error
}

// PipelineConfig configures package storage.
type PipelineConfig struct {
	Dir    string
	Mirror Mirror
}

// Pipeline turns uploaded artifacts into encrypted, checksum-pinned distributables.
type Pipeline struct {
	deps   Deps
	dir    string
	mirror Mirror

	newKey  func() (crypto.SymmetricKey, error)
	encrypt func(dst io.Writer, src io.Reader, key *crypto.SymmetricKey) (crypto.SymmetricKey, error)
	decrypt func(dst io.Writer, src io.Reader, key crypto.SymmetricKey) error
}

// NewPipeline builds the pipeline and ensures the storage directory exists.
func NewPipeline(deps Deps, cfg PipelineConfig) (*Pipeline, error) {
	if err := deps.validate(false); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("package directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create package directory: %w", err)
	}
	return &Pipeline{
		deps:    deps,
		dir:     cfg.Dir,
		mirror:  cfg.Mirror,
		newKey:  crypto.NewSymmetricKey,
		encrypt: crypto.EncryptFile,
		decrypt: crypto.DecryptFile,
	}, nil
}

// EncryptedPath is where the distributable for id lives.
func (p *Pipeline) EncryptedPath(id uuid.UUID) string {
	return filepath.Join(p.dir, id.String())
}

func (p *Pipeline) plaintextPath(id uuid.UUID) string {
	return filepath.Join(p.dir, id.String()+plaintextSuffix)
}

func (p *Pipeline) selfTestPath(id uuid.UUID) string {
	return filepath.Join(p.dir, id.String()+selfTestSuffix)
}

// MirrorKey is the object key of a package distributable in the mirror.
func MirrorKey(id uuid.UUID) string { return "packages/" + id.String() }

// AddPackage stores an upload and records it as UPLOADED. The declared checksum
// is verified while streaming; a mismatch leaves no record and no file.
func (p *Pipeline) AddPackage(ctx context.Context, in NewPackage, r io.Reader) (Package, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Package{}, fmt.Errorf("package name is required: %w", ErrInvalidInput)
	}
	if in.TargetOS == OSUnknown || ParseOperatingSystem(string(in.TargetOS)) != in.TargetOS {
		return Package{}, fmt.Errorf("target os %q: %w", in.TargetOS, ErrInvalidInput)
	}
	declared := strings.ToLower(strings.TrimSpace(in.Checksum))
	if declared == "" {
		return Package{}, fmt.Errorf("checksum is required: %w", ErrInvalidInput)
	}

	id := uuid.New()
	path := p.plaintextPath(id)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return Package{}, fmt.Errorf("create upload file: %w", err)
	}
	counter := &countingWriter{w: f}
	sum, err := crypto.Checksum(io.TeeReader(r, counter))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return Package{}, fmt.Errorf("store upload: %w", err)
	}
	if !crypto.EqualChecksum(sum, declared) {
		_ = os.Remove(path)
		return Package{}, fmt.Errorf("package %q: %w", name, ErrChecksumMismatch)
	}

	pkg := Package{
		ID:                  id,
		Name:                name,
		ExpectedReturnValue: in.ExpectedReturnValue,
		Status:              StatusUploaded,
		PlaintextChecksum:   sum,
		TargetOS:            in.TargetOS,
		PlaintextSize:       counter.n,
		CreatedAt:           p.deps.now(),
	}
	if err := p.deps.Store.CreatePackage(ctx, pkg); err != nil {
		_ = os.Remove(path)
		return Package{}, fmt.Errorf("create package: %w", err)
	}

	p.deps.Logger.Info().Str("package_id", id.String()).Str("name", name).Int64("size", counter.n).Msg("package uploaded")
	return pkg, nil
}

// ProcessNext claims the oldest UPLOADED package and runs it through the
// pipeline. claimed is false when nothing was waiting.
func (p *Pipeline) ProcessNext(ctx context.Context) (result ProcessResult, claimed bool, err error) {
	pkg, err := p.deps.Store.ClaimPackage(ctx, StatusUploaded, StatusProcessing)
	if errors.Is(err, ErrNotFound) {
		return ProcessResult{}, false, nil
	}
	if err != nil {
		return ProcessResult{}, false, fmt.Errorf("claim package: %w", err)
	}

	logger := p.deps.Logger.With().Str("package_id", pkg.ID.String()).Logger()
	logger.Info().Msg("processing package")

	status, cause := p.process(&pkg)
	p.removeFiles(pkg.ID, status != StatusProcessed)
	if status != StatusProcessed {
		pkg.EncryptedChecksum, pkg.EncryptionKey, pkg.IV, pkg.EncryptedSize = "", "", "", 0
	}
	pkg.Status = status

	// The outcome must be recorded even if the caller is shutting down.
	persistCtx := context.WithoutCancel(ctx)
	if err := p.deps.Store.FinishPackage(persistCtx, pkg); err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			// Someone else moved the package on; their state wins.
			p.removeFiles(pkg.ID, true)
			logger.Warn().Err(err).Str("status", string(status)).Msg("package changed while processing; outcome discarded")
			return ProcessResult{Package: pkg, Status: status, Cause: cause}, true, nil
		}
		return ProcessResult{Package: pkg, Status: status, Cause: cause}, true, fmt.Errorf("record package status: %w", err)
	}
	p.deps.Metrics.packageFinished(status)

	if status != StatusProcessed {
		logger.Warn().Err(cause).Str("status", string(status)).Msg("package processing failed")
		p.deps.emit(persistCtx, SubjectPackageFailed, "pipeline", pkg.ID.String(), map[string]any{"status": string(status), "name": pkg.Name})
		return ProcessResult{Package: pkg, Status: status, Cause: cause}, true, nil
	}

	if p.mirror != nil {
		if err := p.mirror.Put(persistCtx, MirrorKey(pkg.ID), p.EncryptedPath(pkg.ID)); err != nil {
			logger.Warn().Err(err).Msg("mirror upload failed")
		}
	}
	logger.Info().Int64("encrypted_size", pkg.EncryptedSize).Msg("package processed")
	p.deps.emit(persistCtx, SubjectPackageProcessed, "pipeline", pkg.ID.String(), map[string]any{
		"name":               pkg.Name,
		"target_os":          string(pkg.TargetOS),
		"encrypted_checksum": pkg.EncryptedChecksum,
	})
	return ProcessResult{Package: pkg, Status: StatusProcessed}, true, nil
}

func (p *Pipeline) process(pkg *Package) (PackageStatus, error) {
	plain := p.plaintextPath(pkg.ID)
	info, err := os.Stat(plain)
	if err != nil {
		return StatusErrorFileNotFound, err
	}
	if !info.Mode().IsRegular() {
		return StatusErrorFileNotFound, fmt.Errorf("%s is not a regular file", plain)
	}

	sum, err := crypto.ChecksumFile(plain)
	if err != nil {
		return StatusError, err
	}
	if !crypto.EqualChecksum(sum, pkg.PlaintextChecksum) {
		return StatusErrorChecksum, fmt.Errorf("plaintext checksum %s does not match recorded %s", sum, pkg.PlaintextChecksum)
	}

	key, err := p.newKey()
	if err != nil {
		return StatusErrorEncryption, err
	}
	encrypted := p.EncryptedPath(pkg.ID)
	encryptedSize, err := p.transform(plain, encrypted, func(dst io.Writer, src io.Reader) error {
		_, err := p.encrypt(dst, src, &key)
		return err
	})
	if err != nil {
		return StatusErrorEncryption, err
	}

	encryptedSum, err := crypto.ChecksumFile(encrypted)
	if err != nil {
		return StatusError, err
	}

	selfTest := p.selfTestPath(pkg.ID)
	if _, err := p.transform(encrypted, selfTest, func(dst io.Writer, src io.Reader) error {
		return p.decrypt(dst, src, key)
	}); err != nil {
		return StatusErrorDecryption, err
	}

	roundTrip, err := crypto.ChecksumFile(selfTest)
	if err != nil {
		return StatusError, err
	}
	if !crypto.EqualChecksum(roundTrip, pkg.PlaintextChecksum) {
		return StatusErrorChecksum, fmt.Errorf("decrypted checksum %s does not match plaintext", roundTrip)
	}

	pkg.EncryptedChecksum = encryptedSum
	pkg.EncryptionKey, pkg.IV = key.Encode()
	pkg.EncryptedSize = encryptedSize
	return StatusProcessed, nil
}

func (p *Pipeline) transform(srcPath, dstPath string, fn func(io.Writer, io.Reader) error) (int64, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, err
	}
	counter := &countingWriter{w: dst}
	err = fn(counter, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	return counter.n, err
}

// removeFiles deletes the transient files, and the distributable too when the
// package failed.
func (p *Pipeline) removeFiles(id uuid.UUID, includeEncrypted bool) {
	paths := []string{p.plaintextPath(id), p.selfTestPath(id)}
	if includeEncrypted {
		paths = append(paths, p.EncryptedPath(id))
	}
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.deps.Logger.Warn().Err(err).Str("path", path).Msg("remove package file")
		}
	}
}

// RecoverInterrupted returns packages left in PROCESSING by a previous run to
// UPLOADED so they are processed again. Call it before the lanes start.
func (p *Pipeline) RecoverInterrupted(ctx context.Context) (int, error) {
	n := 0
	for {
		pkg, err := p.deps.Store.ClaimPackage(ctx, StatusProcessing, StatusUploaded)
		if errors.Is(err, ErrNotFound) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("recover package: %w", err)
		}
		p.deps.Logger.Warn().Str("package_id", pkg.ID.String()).Msg("requeued interrupted package")
		n++
	}
}

// MarkPackageDeleted queues the package for deletion and removes its
// deployments and group references. A package being processed is refused.
func (p *Pipeline) MarkPackageDeleted(ctx context.Context, id uuid.UUID) (Package, error) {
	pkg, err := p.deps.Store.MarkPackageDeleted(ctx, id)
	if err != nil {
		return Package{}, err
	}

	deployments, err := p.deps.Store.ListDeployments(ctx, DeploymentFilter{PackageID: id})
	if err != nil {
		return Package{}, fmt.Errorf("list deployments: %w", err)
	}
	for _, d := range deployments {
		if err := p.deps.Store.DeleteDeployment(ctx, d.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return Package{}, fmt.Errorf("delete deployment %s: %w", d.ID, err)
		}
	}
	groups, err := p.deps.Store.ListGroups(ctx)
	if err != nil {
		return Package{}, fmt.Errorf("list groups: %w", err)
	}
	for _, g := range groups {
		if g.RemovePackage(id) {
			if err := p.deps.Store.UpdateGroup(ctx, g); err != nil {
				return Package{}, fmt.Errorf("update group %s: %w", g.ID, err)
			}
		}
	}

	p.deps.Logger.Info().Str("package_id", id.String()).Int("deployments_removed", len(deployments)).Msg("package marked for deletion")
	return pkg, nil
}

// DeleteNext erases the oldest package marked for deletion. claimed is false
// when nothing was waiting.
func (p *Pipeline) DeleteNext(ctx context.Context) (Package, bool, error) {
	pkg, err := p.deps.Store.OldestPackage(ctx, StatusMarkedAsDeleted)
	if errors.Is(err, ErrNotFound) {
		return Package{}, false, nil
	}
	if err != nil {
		return Package{}, false, fmt.Errorf("find marked package: %w", err)
	}

	p.removeFiles(pkg.ID, true)
	if p.mirror != nil && pkg.EncryptedChecksum != "" {
		if err := p.mirror.Delete(ctx, MirrorKey(pkg.ID)); err != nil {
			p.deps.Logger.Warn().Err(err).Str("package_id", pkg.ID.String()).Msg("mirror delete failed")
		}
	}
	if err := p.deps.Store.DeletePackage(ctx, pkg.ID); err != nil && !errors.Is(err, ErrNotFound) {
		return pkg, true, fmt.Errorf("delete package record: %w", err)
	}

	p.deps.Logger.Info().Str("package_id", pkg.ID.String()).Msg("package deleted")
	p.deps.emit(ctx, SubjectPackageDeleted, "pipeline", pkg.ID.String(), map[string]any{"name": pkg.Name})
	return pkg, true, nil
}

// EncryptTick is the encryptor lane's work: at most one package per tick.
func (p *Pipeline) EncryptTick(ctx context.Context) error {
	_, _, err := p.ProcessNext(ctx)
	return err
}

// DeleteTick is the deleter lane's work: at most one package per tick.
func (p *Pipeline) DeleteTick(ctx context.Context) error {
	_, _, err := p.DeleteNext(ctx)
	return err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.n += int64(n)
	return n, err
}
