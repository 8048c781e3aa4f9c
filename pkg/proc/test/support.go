package test

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-delve/inferior/pkg/proc/vm"
)

// Fixture is a test program.
type Fixture struct {
	// Name is the short name of the fixture.
	Name string
	// Path is the absolute path to the program.
	Path string
	// Source is the absolute path of the program source, for assembly
	// programs it is the same as Path.
	Source string
}

var (
	// Fixtures is a map of Fixture.Name to Fixture.
	Fixtures   = make(map[string]Fixture)
	fixturesMu sync.Mutex
)

// FindFixturesDir returns the path of the _fixtures directory, looking in
// the current directory and its parents.
func FindFixturesDir() string {
	parent := ".."
	fixturesDir := "_fixtures"
	for depth := 0; depth < 10; depth++ {
		if _, err := os.Stat(fixturesDir); err == nil {
			break
		}
		fixturesDir = filepath.Join(parent, fixturesDir)
	}
	return fixturesDir
}

// BuildFixture assembles the fixture called name and returns it. The
// process exits if the fixture does not assemble.
func BuildFixture(name string) Fixture {
	fixturesMu.Lock()
	defer fixturesMu.Unlock()
	if f, ok := Fixtures[name]; ok {
		return f
	}

	path, err := filepath.Abs(filepath.Join(FindFixturesDir(), name+".s"))
	if err != nil {
		fmt.Printf("Error finding %s: %s\n", name, err)
		os.Exit(1)
	}
	if _, err := vm.AssembleFile(path); err != nil {
		fmt.Printf("Error assembling %s: %s\n", path, err)
		os.Exit(1)
	}

	Fixtures[name] = Fixture{Name: name, Path: path, Source: path}
	return Fixtures[name]
}

// RunTestsWithFixtures runs the tests of m and returns the exit status.
func RunTestsWithFixtures(m *testing.M) int {
	return m.Run()
}
