package main

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	kongtoml "github.com/alecthomas/kong-toml"
	kongyaml "github.com/alecthomas/kong-yaml"
	"github.com/joho/godotenv"
	"github.com/tebeka/atexit"

	"github.com/Alia5/nucusbd/internal/cmd"
	"github.com/Alia5/nucusbd/internal/configpaths"
	"github.com/Alia5/nucusbd/internal/log"
)

func main() {
	atexit.Exit(run())
}

func run() int {
	// .env only fills variables the environment does not already set.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		_, _ = os.Stderr.WriteString("failed to load .env: " + err.Error() + "\n")
	}

	userCfg := findUserConfig(os.Args[1:])
	jsonPaths, yamlPaths, tomlPaths := configpaths.ConfigCandidatePaths(userCfg)

	var cli cmd.CLI
	// Flags and env override config values.
	ctx := kong.Parse(&cli, append(cmd.Options(),
		kong.Configuration(kong.JSON, jsonPaths...),
		kong.Configuration(kongyaml.Loader, yamlPaths...),
		kong.Configuration(kongtoml.Loader, tomlPaths...),
	)...)

	logger, closeFiles, err := log.SetupLogger(cli.Log.Level, cli.Log.File)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 2
	}
	defer func() {
		for _, c := range closeFiles {
			_ = c.Close()
		}
	}()

	var rawLogger log.RawLogger
	switch {
	case cli.Log.RawFile != "":
		var rawFile io.Closer
		rawLogger, rawFile, err = log.SetupRawLogger(cli.Log.RawFile)
		if err != nil {
			logger.Error("failed to open raw log file", "file", cli.Log.RawFile, "error", err)
			rawLogger = log.NewRaw(nil)
		} else {
			closeFiles = append(closeFiles, rawFile)
		}
	case log.ParseLevel(cli.Log.Level) <= log.LevelTrace:
		rawLogger = log.NewRaw(os.Stdout)
	default:
		rawLogger = log.NewRaw(nil)
	}

	ctx.Bind(logger)
	ctx.BindTo(rawLogger, (*log.RawLogger)(nil))

	if err := ctx.Run(); err != nil {
		ctx.Errorf("%s", err)
		return 1
	}
	return 0
}

func findUserConfig(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if v, ok := strings.CutPrefix(a, "--config="); ok {
			return v
		}
		if a == "--config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return os.Getenv("NUCUSBD_CONFIG")
}
