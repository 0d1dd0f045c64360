package inference

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLibraryPath(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "custom.so")
	require.NoError(t, os.WriteFile(lib, []byte("x"), 0755))

	// Explicit path wins
	p, err := LibraryPath(lib)
	require.NoError(t, err)
	require.Equal(t, lib, p)

	// Explicit path that doesn't exist doesn't fall through
	t.Setenv(LibraryEnvVar, lib)
	_, err = LibraryPath(filepath.Join(dir, "missing.so"))
	require.Error(t, err)

	// Environment variable
	p, err = LibraryPath("")
	require.NoError(t, err)
	require.Equal(t, lib, p)

	// Nothing found
	t.Setenv(LibraryEnvVar, filepath.Join(dir, "gone.so"))
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })
	_, err = LibraryPath("")
	require.ErrorContains(t, err, LibraryEnvVar)

	// lib/ next to the working directory
	require.NoError(t, os.Mkdir(filepath.Join(dir, "lib"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lib", libraryName()), []byte("x"), 0755))
	p, err = LibraryPath("")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "lib", libraryName()), p)
}
