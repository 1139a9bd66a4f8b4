package cmd

import (
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pockode/chatrelay/config"
)

const (
	keyURL   = "url"
	keyToken = "token"
)

func addClientFlags(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.Flags()
	flags.String("url", "ws://localhost:8080/ws", "relay websocket URL (env "+config.EnvPrefix+"_URL)")
	flags.String("token", "", "credential in the form <id>:<secret> (env "+config.EnvPrefix+"_TOKEN)")
	_ = v.BindEnv(keyURL)
	_ = v.BindEnv(keyToken)
}

// clientSettings prefers explicit flags, then the environment, then flag defaults.
// Flags are not bound to viper because several commands define the same names.
func clientSettings(cmd *cobra.Command, v *viper.Viper) (url, token string, err error) {
	url, _ = cmd.Flags().GetString("url")
	if !cmd.Flags().Changed("url") && v.GetString(keyURL) != "" {
		url = v.GetString(keyURL)
	}
	token, _ = cmd.Flags().GetString("token")
	if !cmd.Flags().Changed("token") {
		token = v.GetString(keyToken)
	}
	if token == "" {
		return "", "", errors.New("a token is required (--token or " + config.EnvPrefix + "_TOKEN)")
	}
	return url, token, nil
}
