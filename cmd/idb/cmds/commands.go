package cmds

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/go-delve/inferior/pkg/config"
	"github.com/go-delve/inferior/pkg/logflags"
	"github.com/go-delve/inferior/pkg/terminal"
	"github.com/go-delve/inferior/pkg/version"
	"github.com/go-delve/inferior/service/debugger"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// configPath overrides the location of the configuration file.
	configPath string
	// initFile is the path to initialization file.
	initFile string
)

const idbCommandLongDesc = `idb is a debugger for programs running on the idb virtual machine.

Programs are written in the idb assembly language (.s files). idb
assembles them, runs them as simulated processes and lets you stop them
with breakpoints and watchpoints, inspect their threads and stack frames
and evaluate expressions, including calls to functions of the program.

Pass flags to the program you are debugging using ` + "`--`" + `, for example:

` + "`idb exec ./hello.s -- one two`"

// New returns an initialized command tree.
func New() *cobra.Command {
	// Main idb root command.
	rootCommand := &cobra.Command{
		Use:          "idb",
		Short:        "idb is a debugger for programs running on a simulated machine.",
		Long:         idbCommandLongDesc,
		SilenceUsage: true,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debugger logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'idb help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'idb help log').")
	rootCommand.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file, defaults to config.yml in the idb configuration directory.")
	rootCommand.PersistentFlags().StringVar(&initFile, "init", "", "Init file, executed by the terminal client.")

	// 'exec' subcommand.
	execCommand := &cobra.Command{
		Use:   "exec <path/to/image.s>",
		Short: "Launch a program and begin a debug session.",
		Long: `Assemble a program, launch it stopped at its entry point and begin a
debug session.

Use 'continue' to let the program run to the first breakpoint.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a path to an image")
			}
			return nil
		},
		RunE: execCmd,
	}
	rootCommand.AddCommand(execCommand)

	// 'script' subcommand.
	scriptCommand := &cobra.Command{
		Use:   "script <file.star> [image.s]",
		Short: "Run a starlark script.",
		Long: `Run a starlark script without starting the terminal.

If an image is specified a target is created for it before the script
runs. Arguments after ` + "`--`" + ` are passed to the main function of the
script.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			idbArgs, _ := splitArgs(cmd, args)
			if len(idbArgs) == 0 || len(idbArgs) > 2 {
				return errors.New("you must provide a script and, optionally, an image")
			}
			return nil
		},
		RunE: scriptCmd,
	}
	rootCommand.AddCommand(scriptCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "idb Debugger\n%s\n", version.IdbVersion)
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolP("verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	debugger	Log debugger commands
	proc		Log process control
	fncall		Log function call protocol
	events		Log events delivered to listeners
	vm		Log the simulated machine

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func splitArgs(cmd *cobra.Command, args []string) ([]string, []string) {
	if cmd.ArgsLenAtDash() >= 0 {
		return args[:cmd.ArgsLenAtDash()], args[cmd.ArgsLenAtDash():]
	}
	return args, []string{}
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadConfigFrom(configPath)
	}
	return config.LoadConfig(), nil
}

// setup configures logging, loads the configuration and creates a
// debugger. The returned function releases both.
func setup() (*debugger.Debugger, *config.Config, func(), error) {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		return nil, nil, nil, err
	}
	conf, err := loadConfig()
	if err != nil {
		logflags.Close()
		return nil, nil, nil, err
	}
	d, err := debugger.New(&debugger.Config{Conf: conf})
	if err != nil {
		logflags.Close()
		return nil, nil, nil, err
	}
	return d, conf, func() {
		d.Destroy()
		logflags.Close()
	}, nil
}

func execCmd(cmd *cobra.Command, args []string) error {
	idbArgs, targetArgs := splitArgs(cmd, args)
	if len(idbArgs) != 1 {
		return errors.New("you must provide exactly one image")
	}
	d, conf, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()

	if _, err := d.CreateTarget(idbArgs[0]); err != nil {
		return err
	}
	p, err := d.Launch(targetArgs, true)
	if err != nil {
		return err
	}
	debugger.PrintStop(cmd.OutOrStdout(), p)

	term := terminal.New(d, conf)
	term.InitFile = initFile
	status, err := term.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	if status != 0 {
		return fmt.Errorf("exit status %d", status)
	}
	return nil
}

func scriptCmd(cmd *cobra.Command, args []string) error {
	idbArgs, scriptArgs := splitArgs(cmd, args)
	d, conf, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()

	if len(idbArgs) > 1 {
		if _, err := d.CreateTarget(idbArgs[1]); err != nil {
			return err
		}
	}

	term := terminal.New(d, conf)
	defer term.Close()
	return term.RunScript(idbArgs[0], scriptArgs)
}
