package fleetctl

import (
	"context"
	"errors"
	"fmt"
	"os"

	"fleetd/pkg/crypto"
	"fleetd/services/hub"
)

// Upload verifies a built package against its signed manifest and sends it to
// the hub. Nothing is sent when the signature or checksum does not match.
func Upload(ctx context.Context, cfg UploadConfig) (hub.Package, error) {
	if cfg.Archive == "" {
		return hub.Package{}, errors.New("archive path is required")
	}
	if cfg.Client == nil {
		return hub.Package{}, errors.New("api client is required")
	}
	if cfg.Signer == nil {
		return hub.Package{}, errors.New("signer is required")
	}
	if cfg.ManifestPath == "" {
		cfg.ManifestPath = ManifestPath(cfg.Archive)
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	manifest, err := ReadManifest(cfg.ManifestPath)
	if err != nil {
		return hub.Package{}, err
	}
	payload, err := manifest.SigningBytes()
	if err != nil {
		return hub.Package{}, fmt.Errorf("marshal manifest for verification: %w", err)
	}
	if err := cfg.Signer.Verify(payload, manifest.Signature, manifest.Signer); err != nil {
		return hub.Package{}, fmt.Errorf("verify manifest signature: %w", err)
	}

	sum, err := crypto.ChecksumFile(cfg.Archive)
	if err != nil {
		return hub.Package{}, fmt.Errorf("checksum archive: %w", err)
	}
	if !crypto.EqualChecksum(sum, manifest.Checksum) {
		return hub.Package{}, errors.New("archive checksum does not match manifest")
	}

	file, err := os.Open(cfg.Archive)
	if err != nil {
		return hub.Package{}, fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	pkg, err := cfg.Client.UploadPackage(ctx, PackageUpload{
		Name:     manifest.Name,
		TargetOS: manifest.TargetOS,
		Checksum: manifest.Checksum,
		Expected: manifest.ExpectedReturnValue,
	}, file)
	if err != nil {
		return hub.Package{}, err
	}
	fmt.Fprintf(cfg.Stdout, "uploaded %s as package %s (%s)\n", manifest.Name, pkg.ID, pkg.Status)
	return pkg, nil
}
