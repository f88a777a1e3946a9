package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/kardianos/service"
	edma "github.com/ntd-94/am335x-edma"
	"github.com/ntd-94/am335x-edma/config"
	"github.com/sirupsen/logrus"
)

var logger service.Logger

type program struct {
	configPath *string
	configTest *bool
	build      string
	control    *edma.Control
}

func (p *program) Start(s service.Service) error {
	// Start should not block.
	logger.Info("am335x-edma service starting.")

	l := logrus.New()
	l.Out = os.Stdout

	c := config.NewC(l)
	err := c.Load(*p.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %s", err)
	}

	p.control, err = edma.Main(c, *p.configTest, p.build, l, nil)
	if err != nil {
		return err
	}
	if p.control == nil {
		return nil
	}

	if err := p.control.Start(); err != nil {
		p.control.Stop()
		p.control = nil
		return err
	}
	return nil
}

func (p *program) Stop(s service.Service) error {
	logger.Info("am335x-edma service stopping.")
	if p.control != nil {
		p.control.Stop()
	}
	return nil
}

func doService(configPath *string, configTest *bool, build string, serviceFlag *string) {
	if *configPath == "" {
		ex, err := os.Executable()
		if err != nil {
			panic(err)
		}
		*configPath = filepath.Dir(ex) + "/config.yaml"
	}

	svcConfig := &service.Config{
		Name:        "am335x-edma",
		DisplayName: "AM335x EDMA ping/pong service",
		Description: "Keeps the EBIC ping/pong DMA engine attached and reports its transfers",
		Arguments:   []string{"-service", "run", "-config", *configPath},
	}

	prg := &program{
		configPath: configPath,
		configTest: configTest,
		build:      build,
	}

	s, err := service.New(prg, svcConfig)
	if err != nil {
		log.Fatal(err)
	}

	errs := make(chan error, 5)
	logger, err = s.Logger(errs)
	if err != nil {
		log.Fatal(err)
	}

	go func() {
		for {
			err := <-errs
			if err != nil {
				log.Print(err)
			}
		}
	}()

	switch *serviceFlag {
	case "run":
		err = s.Run()
		if err != nil {
			logger.Error(err)
		}
	default:
		err := service.Control(s, *serviceFlag)
		if err != nil {
			log.Printf("Valid actions: %q\n", service.ControlAction)
			log.Fatal(err)
		}
		return
	}
}
