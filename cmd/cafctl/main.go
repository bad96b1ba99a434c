// cafctl is the standalone container inspection and authoring tool.
//
// It creates, lists, validates, and unpacks CAF containers without any of
// the worker machinery, which makes it useful for debugging containers
// pulled straight from the blob service.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/caflabs/packd/pkg/caf"
)

// Build-time variables injected via ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// fileToArchive pairs an on-disk file with its member path.
type fileToArchive struct {
	sourcePath  string
	archivePath string
}

var rootCmd = &cobra.Command{
	Use:   "cafctl",
	Short: "CAF container tool",
	Long: `cafctl works with CAF container files: append-only archives holding
many small files with byte-range random access.

Use "cafctl [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       version,
}

var createCmd = &cobra.Command{
	Use:   "create <output-file> <input-paths...>",
	Short: "Create a container from files and directories",
	Long: `Creates a new container from the specified files and directories.
Files keep their paths relative to --base-dir. Directories are scanned
one level deep.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runCreate,
}

var listCmd = &cobra.Command{
	Use:   "list <caf-file>",
	Short: "List the members of a container",
	Args:  cobra.ExactArgs(1),
	RunE:  runList,
}

var extractCmd = &cobra.Command{
	Use:   "extract <caf-file> <member-path> <output-path>",
	Short: "Extract one member from a container",
	Args:  cobra.ExactArgs(3),
	RunE:  runExtract,
}

var splitCmd = &cobra.Command{
	Use:   "split <caf-file>",
	Short: "Extract every member of a container to a directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runSplit,
}

var validateCmd = &cobra.Command{
	Use:   "validate <caf-file>",
	Short: "Validate a container's structure",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

var statsCmd = &cobra.Command{
	Use:   "stats <caf-file>",
	Short: "Show container statistics",
	Args:  cobra.ExactArgs(1),
	RunE:  runStats,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("cafctl %s (commit: %s, built: %s)\n", version, commit, date)
		fmt.Printf("Container format version: %s\n", caf.FormatVersion)
	},
}

func init() {
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(splitCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(versionCmd)

	createCmd.Flags().Float64P("max-size", "s", 30, "Maximum container payload size in GB")
	createCmd.Flags().StringP("base-dir", "b", "", "Base directory for member paths (default: current directory)")
	createCmd.Flags().BoolP("verbose", "v", false, "Show per-file progress")

	splitCmd.Flags().StringP("output", "o", "extracted_files", "Output directory")
	statsCmd.Flags().BoolP("verbose", "v", false, "Show per-member details")
}

func runCreate(cmd *cobra.Command, args []string) error {
	outputPath := args[0]
	inputPaths := args[1:]

	maxSizeGB, _ := cmd.Flags().GetFloat64("max-size")
	baseDir, _ := cmd.Flags().GetString("base-dir")
	verbose, _ := cmd.Flags().GetBool("verbose")

	files, err := collectFiles(inputPaths, baseDir)
	if err != nil {
		return fmt.Errorf("failed to collect files: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no files found to archive")
	}

	writer, err := caf.NewWriter(outputPath, maxSizeGB)
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	defer func() { _ = writer.Cleanup() }()

	added := 0
	for _, f := range files {
		if verbose {
			fmt.Printf("Adding: %s -> %s\n", f.sourcePath, f.archivePath)
		}

		ok, err := writer.AppendFile(f.archivePath, f.sourcePath)
		if err != nil {
			return fmt.Errorf("failed to add '%s': %w", f.sourcePath, err)
		}
		if !ok {
			fmt.Printf("Warning: '%s' skipped (would exceed size limit)\n", f.sourcePath)
			break
		}
		added++
	}

	if added == 0 {
		return fmt.Errorf("no files were added to the container")
	}

	finalPath, err := writer.Finalize()
	if err != nil {
		return fmt.Errorf("failed to finalize container: %w", err)
	}

	fmt.Printf("Created container: %s\n", finalPath)
	fmt.Printf("Members added: %d/%d\n", added, len(files))
	fmt.Printf("Container size: %d bytes\n", writer.Size())
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	cafFile := args[0]

	reader := caf.NewReader(cafFile)
	if err := reader.LoadIndex(); err != nil {
		return fmt.Errorf("failed to load container index: %w", err)
	}

	members, err := reader.List()
	if err != nil {
		return err
	}
	formatVersion, err := reader.FormatVersion()
	if err != nil {
		return err
	}

	fmt.Printf("Container: %s\n", cafFile)
	fmt.Printf("Format Version: %s\n", formatVersion)
	fmt.Printf("Total Members: %d\n\n", len(members))

	fmt.Printf("%-50s %12s\n", "Member Path", "Size (bytes)")
	fmt.Println(strings.Repeat("-", 65))

	for _, member := range members {
		rng, err := reader.Metadata(member)
		if err != nil {
			return err
		}
		fmt.Printf("%-50s %12d\n", member, rng.Size())
	}
	return nil
}

func runExtract(cmd *cobra.Command, args []string) error {
	cafFile, member, outputPath := args[0], args[1], args[2]

	reader := caf.NewReader(cafFile)
	if err := reader.LoadIndex(); err != nil {
		return fmt.Errorf("failed to load container index: %w", err)
	}

	has, err := reader.Has(member)
	if err != nil {
		return err
	}
	if !has {
		return fmt.Errorf("member '%s' not found in container", member)
	}

	rng, err := reader.Metadata(member)
	if err != nil {
		return err
	}

	fmt.Printf("Extracting '%s' (%d bytes) to '%s'...\n", member, rng.Size(), outputPath)
	if err := reader.ExtractTo(member, outputPath); err != nil {
		return fmt.Errorf("failed to extract member: %w", err)
	}

	fmt.Printf("Extracted '%s' to '%s'\n", member, outputPath)
	return nil
}

func runSplit(cmd *cobra.Command, args []string) error {
	cafFile := args[0]
	outputDir, _ := cmd.Flags().GetString("output")

	reader := caf.NewReader(cafFile)
	if err := reader.LoadIndex(); err != nil {
		return fmt.Errorf("failed to load container index: %w", err)
	}

	members, err := reader.List()
	if err != nil {
		return err
	}

	fmt.Printf("Extracting %d members from %s to %s...\n", len(members), cafFile, outputDir)
	if err := reader.ExtractAll(outputDir); err != nil {
		return fmt.Errorf("failed to extract members: %w", err)
	}

	fmt.Printf("Extracted %d members to %s\n", len(members), outputDir)
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	cafFile := args[0]

	if err := caf.ValidateFile(cafFile); err != nil {
		fmt.Printf("✗ container '%s' is invalid: %v\n", cafFile, err)
		os.Exit(1)
	}

	fmt.Printf("✓ container '%s' is valid\n", cafFile)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	cafFile := args[0]
	verbose, _ := cmd.Flags().GetBool("verbose")

	stats, err := caf.Stat(cafFile)
	if err != nil {
		return fmt.Errorf("failed to stat container: %w", err)
	}

	fmt.Printf("Container Statistics: %s\n", cafFile)
	fmt.Printf("Format Version: %s\n", stats.FormatVersion)
	fmt.Printf("Total Members: %d\n", stats.TotalMembers)
	fmt.Printf("Total Size: %d bytes (%.2f MB)\n", stats.TotalSize, float64(stats.TotalSize)/(1024*1024))

	if stats.TotalMembers > 0 {
		var payload int64
		for _, m := range stats.Members {
			payload += m.Size
		}
		avg := payload / int64(stats.TotalMembers)
		fmt.Printf("Average Member Size: %d bytes (%.2f KB)\n", avg, float64(avg)/1024)
	}

	if verbose {
		fmt.Printf("\nMember Details:\n")
		fmt.Printf("%-50s %12s\n", "Member Path", "Size (bytes)")
		fmt.Println(strings.Repeat("-", 65))
		for _, m := range stats.Members {
			fmt.Printf("%-50s %12d\n", m.Path, m.Size)
		}
	}
	return nil
}

// collectFiles gathers the files to archive from the input paths.
// Directories are scanned one level deep; duplicates are skipped.
func collectFiles(inputPaths []string, baseDir string) ([]fileToArchive, error) {
	var files []fileToArchive
	seen := make(map[string]bool)

	if baseDir == "" {
		var err error
		baseDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
	}
	baseDir, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory: %w", err)
	}

	addFile := func(absPath string) error {
		if seen[absPath] {
			return nil
		}
		files = append(files, fileToArchive{
			sourcePath:  absPath,
			archivePath: archivePath(absPath, baseDir),
		})
		seen[absPath] = true
		return nil
	}

	for _, inputPath := range inputPaths {
		absPath, err := filepath.Abs(inputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve path '%s': %w", inputPath, err)
		}

		info, err := os.Stat(absPath)
		if err != nil {
			return nil, fmt.Errorf("failed to access path '%s': %w", inputPath, err)
		}

		if !info.IsDir() {
			if err := addFile(absPath); err != nil {
				return nil, err
			}
			continue
		}

		entries, err := os.ReadDir(absPath)
		if err != nil {
			return nil, fmt.Errorf("failed to scan directory '%s': %w", inputPath, err)
		}
		for _, entry := range entries {
			// One level deep only.
			if entry.IsDir() {
				continue
			}
			if err := addFile(filepath.Join(absPath, entry.Name())); err != nil {
				return nil, err
			}
		}
	}

	return files, nil
}

// archivePath derives the member path for a file. Paths outside baseDir
// fall back to the bare file name.
func archivePath(filePath, baseDir string) string {
	relPath, err := filepath.Rel(baseDir, filePath)
	if err != nil || strings.HasPrefix(relPath, "..") {
		return filepath.Base(filePath)
	}
	return filepath.ToSlash(relPath)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
