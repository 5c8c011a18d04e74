// Command manager is the everest-runtime manager: it loads a
// deployment's configuration, spawns one child process per module,
// and drives the say_hello/init_done bootstrap protocol to
// completion before handing control to the running system.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/pionbrook/everest-runtime/internal/config"
	"github.com/pionbrook/everest-runtime/internal/managerstate"
	"github.com/pionbrook/everest-runtime/internal/supervisor"
	"github.com/pionbrook/everest-runtime/internal/transport"
	"github.com/pionbrook/everest-runtime/public/peer"
)

var (
	everestDir        = flag.String("everest-dir", "", "path to the everest deployment directory")
	configPath        = flag.String("config", "", "path to the deployment's config.yaml")
	modulesDir        = flag.String("modules-dir", "", "path to the directory holding module manifests")
	interfacesDir     = flag.String("interfaces-dir", "", "path to the directory holding interface definitions")
	loggingConfigPath = flag.String("logging-config", "", "path to the logging config passed through to spawned modules")
	validateOnly      = flag.Bool("validate", false, "only load and validate the deployment, without spawning any module")
)

func main() {
	flag.Parse()
	log := logrus.WithField("component", "manager")

	if *configPath == "" {
		if *everestDir == "" {
			fmt.Fprintln(os.Stderr, "manager: either --config or --everest-dir must be given")
			os.Exit(2)
		}
		*configPath = *everestDir + "/config.yaml"
	}
	if *modulesDir == "" && *everestDir != "" {
		*modulesDir = *everestDir + "/modules"
	}
	if *interfacesDir == "" && *everestDir != "" {
		*interfacesDir = *everestDir + "/interfaces"
	}

	deploymentYAML, err := os.ReadFile(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to read deployment config")
	}

	loader := config.DirLoader{ModulesDir: *modulesDir, InterfacesDir: *interfacesDir}
	deployment, err := config.Load(loader, deploymentYAML)
	if err != nil {
		log.WithError(err).Fatal("deployment configuration is invalid")
	}

	log.WithField("module_count", len(deployment.Modules)).Info("deployment validated")

	if *validateOnly {
		log.Info("--validate given, not spawning any module")
		return
	}

	if err := run(log, deployment); err != nil {
		log.WithError(err).Fatal("manager exited with an error")
	}
}

func run(log *logrus.Entry, deployment *config.Deployment) error {
	t, err := transport.NewPahoTransport(transport.DefaultPahoOptions("manager"))
	if err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	defer t.Close()

	managerPeer, err := peer.New("manager", t)
	if err != nil {
		return fmt.Errorf("create manager peer: %w", err)
	}
	defer managerPeer.Close()

	moduleConfigs := map[string]managerstate.ModuleConfig{}
	for moduleID, desc := range deployment.Modules {
		moduleConfigs[moduleID] = managerstate.ModuleConfig{
			"config_module":         desc.Config.ModuleConfig,
			"config_implementation": desc.Config.ImplementationConfigs,
			"connections":           desc.Config.Connections,
		}
	}

	allInitialized := make(chan struct{})
	tracker := managerstate.New(moduleConfigs, func() {
		close(allInitialized)
		if err := managerPeer.PublishVariable("", "ready", nil); err != nil {
			log.WithError(err).Error("failed to publish ready variable")
		}
	})

	if err := managerPeer.ImplementCommand("", "say_hello", func(args peer.Arguments) (peer.Value, error) {
		return tracker.HandleSayHello(args)
	}); err != nil {
		return fmt.Errorf("implement say_hello: %w", err)
	}
	if err := managerPeer.ImplementCommand("", "init_done", func(args peer.Arguments) (peer.Value, error) {
		return tracker.HandleInitDone(args)
	}); err != nil {
		return fmt.Errorf("implement init_done: %w", err)
	}

	sup := supervisor.New(func(moduleID string, err error) {
		log.WithField("module_id", moduleID).WithError(err).Error("module process exited unexpectedly, tearing down deployment")
	})
	defer sup.TeardownAll()

	for moduleID, desc := range deployment.Modules {
		binaryPath := *modulesDir + "/" + desc.ModuleType + "/" + desc.ModuleType
		if err := sup.Spawn(supervisor.ChildSpec{
			ModuleID:          moduleID,
			BinaryPath:        binaryPath,
			LoggingConfigPath: *loggingConfigPath,
		}); err != nil {
			return fmt.Errorf("spawn module %q: %w", moduleID, err)
		}
		tracker.MarkSpawned(moduleID)
	}

	<-allInitialized
	log.Info("all modules initialized")

	select {}
}
