package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/AlecAivazis/survey/v2"
	flags "github.com/jessevdk/go-flags"

	"github.com/GeminiDRSoftware/IRAF-VM/pkg/config"
	"github.com/GeminiDRSoftware/IRAF-VM/pkg/errors"
)

type addCommand struct {
	Mem  *float64 `long:"mem" description:"guest memory size in GB"`
	Port *int     `long:"port" description:"host port forwarded to the guest ssh service"`
	Cmd  *string  `long:"cmd" description:"hypervisor command"`
	Args struct {
		Name      string `positional-arg-name:"name" description:"short name for the entry"`
		DiskImage string `positional-arg-name:"disk_image" description:"path of the bootable disk image"`
	} `positional-args:"yes" required:"yes"`
}

type delCommand struct {
	Args struct {
		Name string `positional-arg-name:"name" description:"entry to delete; omit to delete all entries"`
	} `positional-args:"yes"`
}

type listCommand struct {
	Args struct {
		Name string `positional-arg-name:"name" description:"entry to list; omit to list all entries"`
	} `positional-args:"yes"`
}

// confirm asks a yes/no question, defaulting to no.
func confirm(message string) (bool, error) {
	answer := false
	prompt := &survey.Confirm{Message: message, Default: false}
	if err := survey.AskOne(prompt, &answer); err != nil {
		return false, errors.NewIOError("failed to read confirmation", err)
	}
	return answer, nil
}

// loadForUpdate refuses to touch a config file it cannot parse: editing
// around unknown content could silently destroy the user's entries.
func loadForUpdate() (string, *config.File, error) {
	path, err := config.DefaultPath()
	if err != nil {
		return "", nil, err
	}
	file, err := config.Load(path)
	if err != nil {
		if errors.IsValidationError(err) {
			return "", nil, errors.NewValidationError(
				"can't update corrupt config; delete it (or fix manually) first", err)
		}
		return "", nil, err
	}
	return path, file, nil
}

// loadTolerant works with whatever entries were parseable. del and list
// treat a corrupt file like a missing one; deleting all entries is the
// way out of a corrupt config that loadForUpdate points users to.
func loadTolerant() (string, *config.File, error) {
	path, err := config.DefaultPath()
	if err != nil {
		return "", nil, err
	}
	file, err := config.Load(path)
	if err != nil && !errors.IsValidationError(err) {
		return "", nil, err
	}
	return path, file, nil
}

func (cmd *addCommand) Execute(args []string) error {
	path, file, err := loadForUpdate()
	if err != nil {
		return err
	}

	if _, exists := file.Lookup(cmd.Args.Name); exists {
		replace, err := confirm(fmt.Sprintf("Replace existing entry %s?", cmd.Args.Name))
		if err != nil {
			return err
		}
		if !replace {
			fmt.Println("Aborted")
			return nil
		}
	}

	settings := config.ApplyOverrides(
		config.Settings{DiskImage: cmd.Args.DiskImage}, cmd.Mem, cmd.Port, cmd.Cmd)
	file.Set(cmd.Args.Name, settings)
	return config.Save(path, file)
}

func (cmd *delCommand) Execute(args []string) error {
	path, file, err := loadTolerant()
	if err != nil {
		return err
	}

	if cmd.Args.Name == "" {
		deleteAll, err := confirm("Delete ALL config entries?")
		if err != nil {
			return err
		}
		if !deleteAll {
			fmt.Println("Aborted")
			return nil
		}
		file.DeleteAll()
	} else {
		if _, exists := file.Lookup(cmd.Args.Name); !exists {
			return errors.NewNotFoundError(fmt.Sprintf("entry '%s' not found", cmd.Args.Name), nil)
		}
		remove, err := confirm(fmt.Sprintf("Delete entry %s?", cmd.Args.Name))
		if err != nil {
			return err
		}
		if !remove {
			fmt.Println("Aborted")
			return nil
		}
		file.Delete(cmd.Args.Name)
	}
	return config.Save(path, file)
}

func printEntry(name string, settings config.Settings) {
	fmt.Println(name)
	fmt.Printf("    disk_image=%s\n", settings.DiskImage)
	if settings.Mem != 0 {
		fmt.Printf("    mem=%s\n", strconv.FormatFloat(settings.Mem, 'f', -1, 64))
	}
	if settings.Port != 0 {
		fmt.Printf("    port=%d\n", settings.Port)
	}
	if settings.Cmd != "" {
		fmt.Printf("    cmd=%s\n", settings.Cmd)
	}
	fmt.Println()
}

func (cmd *listCommand) Execute(args []string) error {
	_, file, err := loadTolerant()
	if err != nil {
		return err
	}

	if cmd.Args.Name != "" {
		settings, exists := file.Lookup(cmd.Args.Name)
		if !exists {
			return errors.NewNotFoundError(fmt.Sprintf("entry '%s' not found", cmd.Args.Name), nil)
		}
		printEntry(cmd.Args.Name, settings)
		return nil
	}

	for _, name := range file.SortedNames() {
		settings, _ := file.Lookup(name)
		printEntry(name, settings)
	}
	return nil
}

func registerCommands(parser *flags.Parser) error {
	if _, err := parser.AddCommand("add", "Add or replace an entry",
		"Store an entry mapping a short name to a disk image and optional run parameters.",
		&addCommand{}); err != nil {
		return err
	}
	if _, err := parser.AddCommand("del", "Delete entries",
		"Delete one named entry, or every entry when no name is given.",
		&delCommand{}); err != nil {
		return err
	}
	if _, err := parser.AddCommand("list", "List entries",
		"Show one named entry, or every stored entry when no name is given.",
		&listCommand{}); err != nil {
		return err
	}
	return nil
}

func main() {
	scriptName := filepath.Base(os.Args[0])

	parser := flags.NewParser(nil, flags.HelpFlag)
	if err := registerCommands(parser); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", scriptName, err)
		os.Exit(1)
	}

	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Println(flagsErr.Message)
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "%s: %v\n", scriptName, err)
		os.Exit(1)
	}
}
