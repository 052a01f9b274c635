package integration_tests

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

const floeBinary = "./floe" // relative to the integration_tests directory

var tempTestDir string

// TestMain builds the floe binary once for the CLI tests
func TestMain(m *testing.M) {
	var err error
	tempTestDir, err = os.MkdirTemp("", "floe-integration-*")
	if err != nil {
		fmt.Printf("Failed to create temp test directory: %v\n", err)
		os.Exit(1)
	}

	cmd := exec.Command("go", "build", "-o", floeBinary, "github.com/TFMV/floe/cmd/floe")
	if output, err := cmd.CombinedOutput(); err != nil {
		fmt.Printf("Failed to build floe binary: %v\nOutput: %s\n", err, string(output))
		os.RemoveAll(tempTestDir)
		os.Exit(1)
	}

	exitCode := m.Run()

	os.Remove(floeBinary)
	os.RemoveAll(tempTestDir)
	os.Exit(exitCode)
}

// setupTestProject creates and initializes a project directory
func setupTestProject(t *testing.T, initArgs ...string) string {
	t.Helper()
	projectDir, err := os.MkdirTemp(tempTestDir, "test-project-*")
	if err != nil {
		t.Fatalf("Failed to create temp project directory: %v", err)
	}
	runFloe(t, projectDir, append([]string{"init", "."}, initArgs...)...)
	return projectDir
}

// runFloe runs the binary in projectDir and fails the test on a non-zero exit
func runFloe(t *testing.T, projectDir string, args ...string) (string, string) {
	t.Helper()
	stdout, stderr, err := tryFloe(t, projectDir, args...)
	if err != nil {
		t.Logf("Command failed: floe %s", strings.Join(args, " "))
		t.Logf("Stdout: %s", stdout)
		t.Fatalf("Error running floe command: %v. Stderr: %s", err, stderr)
	}
	return stdout, stderr
}

func tryFloe(t *testing.T, projectDir string, args ...string) (string, string, error) {
	t.Helper()
	bin, err := filepath.Abs(floeBinary)
	if err != nil {
		t.Fatalf("Failed to resolve floe binary: %v", err)
	}

	cmd := exec.Command(bin, args...)
	cmd.Dir = projectDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err = cmd.Run()
	return stdout.String(), stderr.String(), err
}
