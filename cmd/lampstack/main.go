// main.go bootstraps lampstack: it builds the root Cobra command and executes it with a signal-aware context.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/aws/smithy-go"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/example/lampstack/internal/config"
	"github.com/example/lampstack/internal/deploy"
	"github.com/example/lampstack/internal/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd := newRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	handleError(os.Stderr, err)
	if err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	a := &app{opts: config.NewOptions()}
	cmd := &cobra.Command{
		Use:           "lampstack",
		Short:         "Synthesize, check and deploy a LAMP stack on ECS Fargate",
		Long:          "lampstack declares a two-zone VPC, tiered security groups, a MySQL database with a generated secret and a load-balanced Fargate service, then deploys it through CloudFormation change sets.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := a.opts.Validate(); err != nil {
				return err
			}
			log, err := logging.New(a.opts.LogLevel)
			if err != nil {
				return err
			}
			a.log = log
			return nil
		},
	}
	a.opts.AddFlags(cmd)
	cmd.AddCommand(
		newSynthCommand(a),
		newValidateCommand(a),
		newGraphCommand(a),
		newPlanCommand(a),
		newDiffCommand(a),
		newDeployCommand(a),
		newOutputsCommand(a),
		newVerifyCommand(a),
		newDestroyCommand(a),
		newHistoryCommand(a),
		newVersionCommand(),
	)
	cmd.Example = `  # Render the template for review
  lampstack synth --format yaml

  # Check invariants and guardrails, then deploy
  lampstack validate && lampstack deploy --region us-east-1

  # Compare the desired template with the deployed one
  lampstack diff --stack el-blog-cdk`
	bindViper(cmd)
	return cmd
}

// bindViper fills unset flags from LAMPSTACK_* variables and the optional config file.
func bindViper(root *cobra.Command) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.SetEnvPrefix("LAMPSTACK")
	v.AutomaticEnv()
	configFile := os.Getenv("LAMPSTACK_CONFIG")
	configureConfigFile(v, configFile)

	cobra.OnInitialize(func() {
		commands := append([]*cobra.Command{root}, root.Commands()...)
		for _, cmd := range commands {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				cobra.CheckErr(err)
			}
			if err := v.BindPFlags(cmd.PersistentFlags()); err != nil {
				cobra.CheckErr(err)
			}
		}
		if err := readConfigFile(v, configFile != ""); err != nil {
			cobra.CheckErr(err)
		}
		for _, cmd := range commands {
			for _, fs := range []*pflag.FlagSet{cmd.Flags(), cmd.PersistentFlags()} {
				applyViper(v, fs)
			}
		}
	})
}

func applyViper(v *viper.Viper, fs *pflag.FlagSet) {
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed || !v.IsSet(f.Name) {
			return
		}
		val := fmt.Sprintf("%v", v.Get(f.Name))
		if val != "" {
			_ = f.Value.Set(val)
		}
	})
}

func configureConfigFile(v *viper.Viper, explicitPath string) {
	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
		return
	}
	v.SetConfigName("config")
	for _, dir := range configSearchDirs() {
		v.AddConfigPath(dir)
	}
}

func readConfigFile(v *viper.Viper, strict bool) error {
	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if errors.As(err, &cfgErr) && !strict {
			return nil
		}
		return err
	}
	return nil
}

func configSearchDirs() []string {
	added := make(map[string]struct{})
	var dirs []string
	add := func(path string) {
		if path == "" {
			return
		}
		if _, ok := added[path]; ok {
			return
		}
		added[path] = struct{}{}
		dirs = append(dirs, path)
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		add(filepath.Join(xdg, "lampstack"))
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		add(filepath.Join(home, ".config", "lampstack"))
		add(filepath.Join(home, ".lampstack"))
	}
	return dirs
}

func handleError(w io.Writer, err error) {
	if err == nil || errors.Is(err, pflag.ErrHelp) {
		return
	}
	message := err.Error()
	var apiErr smithy.APIError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		message = fmt.Sprintf("%s\nHint: the stack did not settle in time; raise --timeout and check the stack events in the CloudFormation console.", err)
	case errors.Is(err, deploy.ErrStackNotFound):
		message = fmt.Sprintf("%s\nHint: check --stack and --region, or run 'lampstack deploy' first.", err)
	case errors.As(err, &apiErr):
		switch apiErr.ErrorCode() {
		case "ExpiredToken", "ExpiredTokenException", "InvalidClientTokenId", "UnrecognizedClientException", "SignatureDoesNotMatch":
			message = fmt.Sprintf("%s\nHint: AWS credentials were rejected. Refresh them or pick another --profile.", err)
		case "AccessDenied", "AccessDeniedException", "UnauthorizedOperation":
			message = fmt.Sprintf("%s\nHint: the active identity lacks a required permission. Run 'aws sts get-caller-identity' to confirm which one is in use.", err)
		case "Throttling", "ThrottlingException", "TooManyRequestsException", "RequestLimitExceeded":
			message = fmt.Sprintf("%s\nHint: AWS is throttling requests; raise --poll-interval and retry.", err)
		}
	}
	fmt.Fprintf(w, "Error: %s\n", message)
}
