package main

import (
	"fmt"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"

	"github.com/go-ftpsync/ftpsync/internal/config"
)

// newConfigCmd groups the config-file management subcommands, kept separate
// from the sync command itself so scripting the profile file doesn't need
// to go through a full sync invocation.
func newConfigCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the ftpsync profile file",
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "config file path")

	setPassword := &cobra.Command{
		Use:   "set-password <profile>",
		Short: "Prompt for a profile's remote password and store it obscured",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setProfilePassword(configPath, args[0])
		},
	}
	cmd.AddCommand(setPassword)

	return cmd
}

// runStorePassword implements the top-level --store-password flag: a
// shortcut for `ftpsync config set-password <profile>` so a first sync
// invocation can also seed credentials.
func runStorePassword(f *cliFlags) error {
	if f.profile == "" {
		return fmt.Errorf("--store-password requires --profile")
	}
	return setProfilePassword(f.configPath, f.profile)
}

func setProfilePassword(configPath, profileName string) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return err
	}

	var plaintext string
	prompt := &survey.Password{Message: fmt.Sprintf("Password for profile %q:", profileName)}
	if err := survey.AskOne(prompt, &plaintext); err != nil {
		return fmt.Errorf("reading password: %w", err)
	}

	if err := cfg.SetPassword(profileName, plaintext); err != nil {
		return err
	}
	if err := cfg.Save(configPath); err != nil {
		return err
	}
	fmt.Printf("saved password for profile %q to %s\n", profileName, configPath)
	return nil
}
