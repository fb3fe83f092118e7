package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	flags "github.com/jessevdk/go-flags"

	"github.com/GeminiDRSoftware/IRAF-VM/pkg/config"
	"github.com/GeminiDRSoftware/IRAF-VM/pkg/vm"
)

type flagOptions struct {
	Mem  *float64 `long:"mem" description:"guest memory size in GB, overriding any config entry"`
	Port *int     `long:"port" description:"host port forwarded to the guest ssh service, overriding any config entry"`
	Cmd  *string  `long:"cmd" description:"hypervisor command, overriding any config entry"`
	Args struct {
		NameOrImage string `positional-arg-name:"name_or_image" description:"config entry name or disk image path"`
	} `positional-args:"yes" required:"yes"`
}

func main() {
	os.Exit(run())
}

func run() int {
	scriptName := filepath.Base(os.Args[0])

	var opts flagOptions
	parser := flags.NewParser(&opts, flags.HelpFlag)
	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Println(flagsErr.Message)
			return 0
		}
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		return 1
	}

	// A broken config file is only fatal when the tool that edits it
	// runs; here the image-path interpretation still works.
	file := &config.File{Names: map[string]config.Settings{}}
	configPath, err := config.DefaultPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", scriptName, err)
	} else {
		file, err = config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", scriptName, err)
		}
	}

	settings, found := file.Lookup(opts.Args.NameOrImage)
	if !found {
		settings = config.Settings{DiskImage: opts.Args.NameOrImage}
	}
	settings = config.ApplyOverrides(settings, opts.Mem, opts.Port, opts.Cmd).WithDefaults()
	if err := config.ValidateSettings(settings); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", scriptName, err)
		return 1
	}

	control, err := vm.NewControl(vm.ControlOptions{
		DiskImage: settings.DiskImage,
		Command:   settings.Cmd,
		MemGB:     settings.Mem,
		SSHPort:   settings.Port,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", scriptName, err)
		return 1
	}
	defer control.SessionLog().Close()

	result, err := control.Run(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", scriptName, err)
		return 1
	}

	return control.ReportOutcome(result)
}
