package cmds

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/go-delve/kpmap/pkg/config"
	"github.com/go-delve/kpmap/pkg/image"
	"github.com/go-delve/kpmap/pkg/kpmap"
	"github.com/go-delve/kpmap/pkg/logflags"
	"github.com/go-delve/kpmap/pkg/mm"
	"github.com/go-delve/kpmap/pkg/procfs"
	"github.com/go-delve/kpmap/pkg/version"
	"github.com/go-delve/kpmap/service/web"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// delay overrides the walk-delay configuration value when delaySet.
	delay    time.Duration
	delaySet bool
	// listen is the web service listen address.
	listen string
	// sysfsPath overrides where the pti command reads the meltdown status.
	sysfsPath string

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const kpmapCommandLongDesc = `kpmap reports the permissions of every page mapped by the page tables of a
process.

It reads machine images: ELF core files holding physical memory together with
a header describing the inspected process and whether the processor runs with
kernel page table isolation. With isolation active the process has two top
level tables, a kernel one and a user one; the target-root configuration
value selects which of them is walked.

Every present page is reported on its own line:

	USER pte: 401000 		 Flags: rw-u-

Flags are r (read), w (write), x (execute), u (user accessible) and
g (global), with '-' for every flag that is clear.`

// New returns an initialized command tree.
func New() *cobra.Command {
	// Config setup and load.
	var err error
	conf, err = config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v, using defaults\n", err)
	}

	// Main kpmap root command.
	rootCommand = &cobra.Command{
		Use:   "kpmap",
		Short: "kpmap reports page table permissions of a process.",
		Long:  kpmapCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debug logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'kpmap help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'kpmap help log').")

	rootCommand.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		delaySet = cmd.Flags().Changed("delay")
	}

	walkFlags := pflag.NewFlagSet("walk", pflag.ContinueOnError)
	walkFlags.DurationVar(&delay, "delay", 0, "Time to wait between resolving the root and walking it, overrides walk-delay in the config file.")

	// 'walk' subcommand.
	walkCommand := &cobra.Command{
		Use:   "walk <image>",
		Short: "Walks the page tables of an image once, reporting to the log.",
		Long: `Loads kpmap in one-shot mode against an image: the root is resolved and
walked once, every line going to the diagnostic log on standard error, and
kpmap is unloaded again. The exit status is 1 if the walk could not be done.`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(walkCmd(args[0], nil))
		},
	}
	walkCommand.Flags().AddFlagSet(walkFlags)
	rootCommand.AddCommand(walkCommand)

	// 'cat' subcommand.
	catCommand := &cobra.Command{
		Use:   "cat <image>",
		Short: "Reads the kpmap pseudo-file of an image.",
		Long: `Loads kpmap in file mode against an image, then opens and prints the kpmap
pseudo-file. Every open walks the page tables anew; the output is framed by
walk start and walk end lines. The exit status is 1 if the read failed.

When standard output is a terminal the region of every line is colored.`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			var out io.Writer = os.Stdout
			color := isatty.IsTerminal(os.Stdout.Fd())
			if color {
				out = colorable.NewColorableStdout()
			}
			os.Exit(catCmd(args[0], out, color))
		},
	}
	catCommand.Flags().AddFlagSet(walkFlags)
	rootCommand.AddCommand(catCommand)

	// 'serve' subcommand.
	serveCommand := &cobra.Command{
		Use:   "serve <image>",
		Short: "Serves the kpmap pseudo-file of an image over HTTP.",
		Long: `Loads kpmap in file mode against an image and serves the pseudo-files over
HTTP until interrupted:

	GET /files                 names of the pseudo-files, as JSON
	GET /files/kpmap           contents of the kpmap pseudo-file
	GET /files/kpmap/stream    the same, one websocket message per line

Every request walks the page tables anew.`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(serveCmd(args[0]))
		},
	}
	serveCommand.Flags().AddFlagSet(walkFlags)
	serveCommand.Flags().StringVarP(&listen, "listen", "l", "127.0.0.1:4747", "Web service listen address.")
	rootCommand.AddCommand(serveCommand)

	// 'mkimage' subcommand.
	mkimageCommand := &cobra.Command{
		Use:   "mkimage <layout.yml> <image>",
		Short: "Builds an image from a YAML layout.",
		Long: `Builds page tables as described by a YAML layout and writes them to an
image. For example:

	comm: cat
	pid: 4242
	pti: on
	mappings:
	  - addr: 0x400000
	    pages: 2
	    phys: 0x7000000
	    flags: [write, user, nx]
	  - addr: 0x800000000000
	    phys: 0x8000000
	    flags: [global]
	    roots: [kernel]

pti is on, off or unknown. With pti on both a kernel and a user root are
built and mappings go to both unless roots says otherwise. Flags are write,
user, write-through, no-cache, accessed, dirty, global and nx; huge: pud or
huge: pmd maps a single huge page instead.`,
		Args: cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			if err := mkimageCmd(args[0], args[1]); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
		},
	}
	rootCommand.AddCommand(mkimageCommand)

	// 'pti' subcommand.
	ptiCommand := &cobra.Command{
		Use:   "pti",
		Short: "Prints the page table isolation status of this machine.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(ptiStatus(mm.HostMitigation{Path: sysfsPath}))
		},
	}
	ptiCommand.Flags().StringVar(&sysfsPath, "sysfs", mm.DefaultMeltdownPath, "File reporting the meltdown mitigation.")
	rootCommand.AddCommand(ptiCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kpmap\n%s\n", version.KpmapVersion)
			if log {
				fmt.Println(version.BuildInfo())
			}
		},
	}
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	walker		Log skipped huge pages and walk totals
	resolver	Log root resolution decisions
	image		Log image files opened and written
	procfs		Log pseudo-file registrations and reads
	web		Log web service requests

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
The diagnostic log of the walk command is always written, to the same
destination.

`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

// setupLogging configures logflags from the persistent flags. The returned
// function must be called before exiting.
func setupLogging() (func(), error) {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		return nil, err
	}
	return logflags.Close, nil
}

// openImage opens path and returns the invocation configured for it.
func openImage(path string) (*image.Image, kpmap.Invocation, error) {
	if conf == nil {
		conf = &config.Config{}
	}
	target, err := kpmap.ParseTarget(conf.Target())
	if err != nil {
		return nil, kpmap.Invocation{}, err
	}
	img, err := image.Open(path, conf.CachePages)
	if err != nil {
		return nil, kpmap.Invocation{}, err
	}
	d := conf.WalkDelay
	if delaySet {
		d = delay
	}
	return img, kpmap.Invocation{
		Proc:   img.Process(),
		CPU:    img.Mitigation(),
		Target: target,
		Delay:  d,
	}, nil
}

// walkCmd runs a one-shot walk of the image at path. A nil diag is
// replaced by the diagnostic log, created once --log-dest is in effect.
func walkCmd(path string, diag logflags.Logger) int {
	done, err := setupLogging()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer done()
	if diag == nil {
		diag = logflags.SyslogLogger()
	}

	img, inv, err := openImage(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer img.Close()

	m := &kpmap.Module{Mode: kpmap.ModeOneShot, Invocation: inv, Log: diag}
	err = m.Load()
	m.Unload()
	if err != nil {
		return 1
	}
	return 0
}

func catCmd(path string, out io.Writer, color bool) int {
	done, err := setupLogging()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer done()

	img, inv, err := openImage(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer img.Close()

	reg := procfs.NewRegistry()
	m := &kpmap.Module{Mode: kpmap.ModeFile, Invocation: inv, Registry: reg}
	if err := m.Load(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer m.Unload()

	f, err := reg.Open(kpmap.FileName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer f.Close()

	if err := copyLines(out, f, color); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if f.Status() < 0 {
		fmt.Fprintf(os.Stderr, "read %s: status %d: %v\n", kpmap.FileName, f.Status(), f.Err())
		return 1
	}
	return 0
}

// regionColors are the escape sequences used to color the region token
// at the start of record lines.
var regionColors = []struct {
	token string
	esc   string
}{
	{"USER", "\x1b[32m"},
	{"KERNEL", "\x1b[31m"},
}

const colorReset = "\x1b[0m"

func copyLines(out io.Writer, in io.Reader, color bool) error {
	scan := bufio.NewScanner(in)
	w := bufio.NewWriter(out)
	for scan.Scan() {
		line := scan.Text()
		if color {
			line = colorize(line)
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	if err := scan.Err(); err != nil {
		return err
	}
	return w.Flush()
}

func colorize(line string) string {
	for _, rc := range regionColors {
		if strings.HasPrefix(line, rc.token+" ") {
			return rc.esc + rc.token + colorReset + line[len(rc.token):]
		}
	}
	return line
}

func serveCmd(path string) int {
	done, err := setupLogging()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer done()

	img, inv, err := openImage(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer img.Close()

	reg := procfs.NewRegistry()
	m := &kpmap.Module{Mode: kpmap.ModeFile, Invocation: inv, Registry: reg}
	if err := m.Load(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer m.Unload()

	listener, err := net.Listen("tcp", listen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "couldn't start listener: %s\n", err)
		return 1
	}
	server := web.NewServer(&web.Config{Listener: listener, Registry: reg})
	fmt.Printf("serving %s on http://%s/files\n", path, listener.Addr())

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	go func() {
		<-ch
		server.Stop()
	}()

	if err := server.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func mkimageCmd(layoutPath, out string) error {
	done, err := setupLogging()
	if err != nil {
		return err
	}
	defer done()

	l, err := image.LoadLayout(layoutPath)
	if err != nil {
		return err
	}
	hdr, ram, err := l.Build()
	if err != nil {
		return fmt.Errorf("%s: %v", layoutPath, err)
	}
	return image.WriteFile(out, hdr, ram)
}

func ptiStatus(m mm.Mitigation) string {
	active, err := m.PTIActive()
	switch {
	case err != nil:
		return fmt.Sprintf("PTI: %v (%v)", mm.PTIUnknown, err)
	case active:
		return "PTI: " + mm.PTIOn.String()
	}
	return "PTI: " + mm.PTIOff.String()
}
