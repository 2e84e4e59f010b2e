// Package updater self-updates a PhoneLink binary from GitHub releases.
package updater

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"
)

const (
	// GitHubRepo is the release source.
	GitHubRepo = "phonelink/phonelink"
	// InstallScript installs the released binaries for the host platform.
	InstallScript = "https://raw.githubusercontent.com/phonelink/phonelink/main/install.sh"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

type release struct {
	TagName string `json:"tag_name"`
	Name    string `json:"name"`
}

// CheckLatest returns the tag of the newest published release.
func CheckLatest() (string, error) {
	url := fmt.Sprintf("https://api.github.com/repos/%s/releases/latest", GitHubRepo)

	resp, err := httpClient.Get(url)
	if err != nil {
		return "", fmt.Errorf("fetch release info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GitHub API returned status %d", resp.StatusCode)
	}

	var rel release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return "", fmt.Errorf("parse release info: %w", err)
	}
	return rel.TagName, nil
}

// IsNewer reports whether latest is newer than current. Development builds
// always update.
func IsNewer(current, latest string) bool {
	cur := strings.TrimPrefix(current, "v")
	next := strings.TrimPrefix(latest, "v")

	if cur == "dev" {
		return true
	}
	return next > cur
}

// SelfUpdate checks for a newer release and, if one exists, installs it
// over the running binary and re-execs with the original arguments.
func SelfUpdate(currentVersion, exePath string, args []string) error {
	latest, err := CheckLatest()
	if err != nil {
		return err
	}

	fmt.Printf("Latest version: %s\n", latest)

	if !IsNewer(currentVersion, latest) {
		fmt.Println("Already on the latest version.")
		return nil
	}

	fmt.Printf("New version available: %s\n", latest)
	fmt.Println("Downloading and installing update...")

	installDir := filepath.Dir(exePath)
	if err := runInstallScript(installDir); err != nil {
		return fmt.Errorf("run install script: %w", err)
	}

	fmt.Println("Update installed, restarting with the new version...")
	return execNewBinary(exePath, args)
}

// runInstallScript downloads the install script and runs it against the
// directory the current binary lives in.
func runInstallScript(installDir string) error {
	resp, err := httpClient.Get(InstallScript)
	if err != nil {
		return fmt.Errorf("download install script: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download install script: HTTP %d", resp.StatusCode)
	}

	tmpFile, err := os.CreateTemp("", "phonelink-install-*.sh")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := io.Copy(tmpFile, resp.Body); err != nil {
		tmpFile.Close()
		return fmt.Errorf("write install script: %w", err)
	}
	tmpFile.Close()

	if err := os.Chmod(tmpFile.Name(), 0755); err != nil {
		return fmt.Errorf("make install script executable: %w", err)
	}

	// Installs under /usr need elevation; everything else stays user-local.
	var cmd *exec.Cmd
	if strings.HasPrefix(installDir, "/usr/") {
		fmt.Println("System-wide installation detected; you may be prompted for your sudo password.")
		cmd = exec.Command("sudo", "sh", tmpFile.Name(), "--global")
	} else {
		cmd = exec.Command("sh", tmpFile.Name())
		cmd.Env = append(os.Environ(), fmt.Sprintf("INSTALL_DIR=%s", installDir))
	}

	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("install script failed: %w", err)
	}
	return nil
}

// execNewBinary replaces the current process with the freshly installed
// binary, dropping the "update" subcommand from the argument list.
func execNewBinary(exePath string, args []string) error {
	if runtime.GOOS == "windows" {
		// Windows cannot replace a running executable.
		fmt.Println("\nUpdate complete. Please restart manually.")
		os.Exit(0)
	}

	newArgs := []string{filepath.Base(exePath)}
	for i, arg := range args {
		if i == 0 || arg == "update" {
			continue
		}
		newArgs = append(newArgs, arg)
	}

	return syscall.Exec(exePath, newArgs, os.Environ())
}
