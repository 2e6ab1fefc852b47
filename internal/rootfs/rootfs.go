// Package rootfs converts an OCI image into the ext4 rootfs a
// microVM boots from: docker save, a privileged helper container
// that formats and fills a loopback-mounted ext4 image, and
// content-addressed caching by sanitized image name.
package rootfs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/thrashr888/agentkernel/internal/kernelerr"
	"github.com/thrashr888/agentkernel/internal/logger"
)

const defaultSizeMB = 256

// ConversionResult is the outcome of a successful conversion.
type ConversionResult struct {
	RootfsPath string
	SizeMB     uint64
}

// ImageToRootfsName turns an image reference into a filesystem-safe
// cache key: "alpine:3.20" -> "alpine-3.20.ext4".
func ImageToRootfsName(image string) string {
	safe := strings.NewReplacer("/", "-", ":", "-", "@", "-").Replace(image)
	return safe + ".ext4"
}

// RootfsPathForImage returns where a converted rootfs for image would
// live, without triggering a conversion.
func RootfsPathForImage(image, outputDir string) string {
	return filepath.Join(outputDir, ImageToRootfsName(image))
}

// NeedsConversion reports whether image has no cached rootfs yet.
func NeedsConversion(image, outputDir string) bool {
	_, err := os.Stat(RootfsPathForImage(image, outputDir))
	return os.IsNotExist(err)
}

// ConvertImageToRootfs exports image via `docker save`, then runs a
// privileged Alpine helper container that formats an ext4 image,
// extracts the layers into it in manifest order, injects the guest
// agent binary and a minimal /init, and finally hands back the
// finished rootfs. A cache hit short-circuits the whole pipeline.
func ConvertImageToRootfs(ctx context.Context, image, outputDir, guestAgentPath string) (ConversionResult, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return ConversionResult{}, kernelerr.Backendf(err, "failed to create rootfs cache dir %s", outputDir)
	}

	rootfsPath := RootfsPathForImage(image, outputDir)

	if info, err := os.Stat(rootfsPath); err == nil {
		logger.Debug("using cached rootfs", "path", rootfsPath)
		return ConversionResult{RootfsPath: rootfsPath, SizeMB: uint64(info.Size() / (1024 * 1024))}, nil
	}

	agentPath, err := findGuestAgent(guestAgentPath)
	if err != nil {
		return ConversionResult{}, err
	}
	logger.Debug("converting image to rootfs", "image", image, "agent", agentPath)

	tempDir, err := os.MkdirTemp("", "agentkernel-rootfs-")
	if err != nil {
		return ConversionResult{}, kernelerr.Backendf(err, "failed to create temp directory")
	}
	defer os.RemoveAll(tempDir)

	imageTar := filepath.Join(tempDir, "image.tar")
	if err := exportDockerImage(ctx, image, imageTar); err != nil {
		return ConversionResult{}, err
	}

	if err := runConversionContainer(ctx, imageTar, rootfsPath, agentPath, defaultSizeMB); err != nil {
		// Never leave a partial artifact at the cache path: the
		// conversion container writes to an intermediate file and
		// only runConversionContainer's final rename publishes it, so a failure
		// here means rootfsPath was never created.
		return ConversionResult{}, err
	}

	logger.Debug("rootfs created", "path", rootfsPath, "size_mb", defaultSizeMB)
	return ConversionResult{RootfsPath: rootfsPath, SizeMB: defaultSizeMB}, nil
}

func findGuestAgent(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err == nil {
			return explicitPath, nil
		}
		return "", kernelerr.NotFoundf("guest agent not found at %s", explicitPath)
	}

	devPaths := []string{
		"images/rootfs/agent",
		"target/x86_64-unknown-linux-musl/release/agent",
	}
	for _, p := range devPaths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if home, ok := os.LookupEnv("HOME"); ok && home != "" {
		installed := filepath.Join(home, ".local/share/agentkernel/bin/agent")
		if _, err := os.Stat(installed); err == nil {
			return installed, nil
		}
	}

	return "", kernelerr.NotFoundf("guest agent binary not found; build it and set guest_agent_path in settings or install it under ~/.local/share/agentkernel/bin/agent")
}

func exportDockerImage(ctx context.Context, image, output string) error {
	cmd := exec.CommandContext(ctx, "docker", "save", "-o", output, image)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return kernelerr.Backendf(err, "docker save failed: %s", stderr.String())
	}
	return nil
}

// conversionScript is the shell script run inside the privileged
// Alpine helper container.
const conversionScript = `
set -euo pipefail

apk add --no-cache e2fsprogs >/dev/null 2>&1

dd if=/dev/zero of=/output/rootfs.ext4 bs=1M count=%d status=none
mkfs.ext4 -F -q /output/rootfs.ext4

mkdir -p /mnt/rootfs
mount -o loop /output/rootfs.ext4 /mnt/rootfs

mkdir -p /tmp/image
cd /tmp/image
tar xf /input/image.tar

if [ -f manifest.json ]; then
    LAYERS=$(cat manifest.json | grep -o '"Layers":\[[^]]*\]' | grep -o '[^"]*\.tar' || true)
    for layer in $LAYERS; do
        if [ -f "$layer" ]; then
            tar xf "$layer" -C /mnt/rootfs 2>/dev/null || true
        fi
    done
else
    for layer in */layer.tar; do
        if [ -f "$layer" ]; then
            tar xf "$layer" -C /mnt/rootfs 2>/dev/null || true
        fi
    done
fi

mkdir -p /mnt/rootfs/dev /mnt/rootfs/proc /mnt/rootfs/sys /mnt/rootfs/tmp /mnt/rootfs/run /mnt/rootfs/root /mnt/rootfs/app
chmod 1777 /mnt/rootfs/tmp

mknod -m 622 /mnt/rootfs/dev/console c 5 1 2>/dev/null || true
mknod -m 666 /mnt/rootfs/dev/null c 1 3 2>/dev/null || true
mknod -m 666 /mnt/rootfs/dev/zero c 1 5 2>/dev/null || true
mknod -m 666 /mnt/rootfs/dev/tty c 5 0 2>/dev/null || true
mknod -m 666 /mnt/rootfs/dev/random c 1 8 2>/dev/null || true
mknod -m 666 /mnt/rootfs/dev/urandom c 1 9 2>/dev/null || true

cp /input/agent /mnt/rootfs/usr/bin/agent
chmod +x /mnt/rootfs/usr/bin/agent

cat > /mnt/rootfs/init << 'INIT'
#!/bin/sh

mount -t proc proc /proc
mount -t sysfs sysfs /sys
mount -t devtmpfs devtmpfs /dev 2>/dev/null || true

hostname agentkernel

/usr/bin/agent &

echo "Agentkernel guest ready"

if [ $# -eq 0 ]; then
    exec /bin/sh
else
    exec "$@"
fi
INIT
chmod +x /mnt/rootfs/init

if [ ! -f /mnt/rootfs/etc/hostname ]; then
    echo "agentkernel" > /mnt/rootfs/etc/hostname
fi

umount /mnt/rootfs

echo "Conversion complete"
`

func runConversionContainer(ctx context.Context, imageTar, outputRootfs, agentPath string, sizeMB uint64) error {
	imageTarAbs, err := filepath.Abs(imageTar)
	if err != nil {
		return kernelerr.Internalf("failed to resolve image tar path: %v", err)
	}
	agentAbs, err := filepath.Abs(agentPath)
	if err != nil {
		return kernelerr.Internalf("failed to resolve guest agent path: %v", err)
	}
	outputDir := filepath.Dir(outputRootfs)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return kernelerr.Backendf(err, "failed to create output directory %s", outputDir)
	}
	outputDirAbs, err := filepath.Abs(outputDir)
	if err != nil {
		return kernelerr.Internalf("failed to resolve output directory: %v", err)
	}

	script := fmt.Sprintf(conversionScript, sizeMB)

	args := []string{
		"run", "--rm", "--privileged",
		"-v", fmt.Sprintf("%s:/input/image.tar:ro", imageTarAbs),
		"-v", fmt.Sprintf("%s:/input/agent:ro", agentAbs),
		"-v", fmt.Sprintf("%s:/output", outputDirAbs),
		"alpine:3.20",
		"sh", "-c", script,
	}

	cmd := exec.CommandContext(ctx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return kernelerr.Backendf(err, "rootfs conversion failed:\nstdout: %s\nstderr: %s", stdout.String(), stderr.String())
	}

	tempRootfs := filepath.Join(outputDirAbs, "rootfs.ext4")
	if _, err := os.Stat(tempRootfs); err == nil {
		if err := os.Rename(tempRootfs, outputRootfs); err != nil {
			return kernelerr.Backendf(err, "failed to rename rootfs file")
		}
	}
	return nil
}
