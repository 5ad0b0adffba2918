package main

import (
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fluxion-io/fluxion/agent"
	"github.com/fluxion-io/fluxion/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type cfg struct {
	config.Config
}
type cli struct {
	cfg cfg
}

func setupFlags(cmd *cobra.Command) error {
	cmd.Flags().String("config-file", "", "Path to config file.")
	cmd.Flags().Int("http-port", 8080, "http port for rest endpoints")
	cmd.Flags().String("storage-impl", "memory", "implementation of underline storage")
	cmd.Flags().String("redis-addr", "localhost:6379", "comma separated list of redis host:port")
	cmd.Flags().String("namespace", "fluxion", "namespace used in storage")
	cmd.Flags().Int("executor-capacity", 512, "execution submission queue capacity")
	cmd.Flags().Int("executor-concurrency", 8, "number of executions driven concurrently")
	cmd.Flags().Int("max-parallel-branches", 50, "cap on concurrently running fork branches")
	cmd.Flags().Int("default-max-attempts", 3, "default retry attempts for actions")
	cmd.Flags().Int("base-delay-seconds", 1, "base retry backoff in seconds")
	cmd.Flags().Int("max-delay-seconds", 60, "retry backoff cap in seconds")
	cmd.Flags().Int("join-timeout-seconds", 300, "default join timeout in seconds")
	cmd.Flags().Int("wakeup-tick-millis", 1000, "wakeup queue poll interval")
	cmd.Flags().Int("trigger-tick-millis", 1000, "schedule trigger poll interval")
	cmd.Flags().String("catch-up-policy", "ALL_BOUNDARIES", "missed schedule policy: ALL_BOUNDARIES or LATEST")
	cmd.Flags().Int("tenant-quota", 100, "max concurrent executions per tenant")
	cmd.Flags().Int("workflow-cap", 20, "default max concurrent executions per workflow")
	cmd.Flags().StringToString("webhook-secret", nil, "webhook source to shared secret pairs")
	return viper.BindPFlags(cmd.Flags())
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	var err error

	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}
	viper.SetConfigFile(configFile)

	if err = viper.ReadInConfig(); err != nil {
		// it's ok if config file doesn't exist
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}

	c.cfg.HttpPort = viper.GetInt("http-port")
	c.cfg.StorageType = config.StorageType(viper.GetString("storage-impl"))
	c.cfg.RedisConfig.Addrs = strings.Split(viper.GetString("redis-addr"), ",")
	c.cfg.RedisConfig.Namespace = viper.GetString("namespace")
	c.cfg.ExecutorConfig.Capacity = viper.GetInt("executor-capacity")
	c.cfg.ExecutorConfig.Concurrency = viper.GetInt("executor-concurrency")
	c.cfg.ExecutorConfig.MaxParallelBranches = viper.GetInt("max-parallel-branches")
	c.cfg.ExecutorConfig.DefaultMaxAttempts = viper.GetInt("default-max-attempts")
	c.cfg.ExecutorConfig.BaseDelaySeconds = viper.GetInt("base-delay-seconds")
	c.cfg.ExecutorConfig.MaxDelaySeconds = viper.GetInt("max-delay-seconds")
	c.cfg.ExecutorConfig.JoinTimeoutSeconds = viper.GetInt("join-timeout-seconds")
	c.cfg.ExecutorConfig.WakeupTickMillis = viper.GetInt("wakeup-tick-millis")
	c.cfg.TriggerConfig.TickMillis = viper.GetInt("trigger-tick-millis")
	c.cfg.TriggerConfig.CatchUpPolicy = config.CatchUpPolicy(viper.GetString("catch-up-policy"))
	c.cfg.QuotaConfig.TenantQuota = viper.GetInt("tenant-quota")
	c.cfg.QuotaConfig.DefaultWorkflowCap = viper.GetInt("workflow-cap")
	c.cfg.WebhookSecrets = viper.GetStringMapString("webhook-secret")
	return nil
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	var err error
	agent, err := agent.New(c.cfg.Config)
	if err != nil {
		panic(err)
	}
	err = agent.Start()
	if err != nil {
		panic(err)
	}
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	return agent.Shutdown()
}

func main() {
	cli := &cli{}
	cmd := &cobra.Command{
		Use:     "fluxion",
		PreRunE: cli.setupConfig,
		RunE:    cli.run,
	}
	if err := setupFlags(cmd); err != nil {
		log.Fatal(err)
	}
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
