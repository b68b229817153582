// Copyright 2024 The acquirecloud Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package service assembles the lock manager with its PostgreSQL table into
// one runnable unit. The components are wired by the linker injector, the
// same way they would be embedded into a bigger server.
package service

import (
	"context"
	"fmt"

	"github.com/acquirecloud/dblock/golibs/logging"
	"github.com/acquirecloud/dblock/pkg/lock"
	"github.com/acquirecloud/dblock/pkg/lock/pg"
	"github.com/davecgh/go-spew/spew"
	"github.com/logrange/linker"
)

// Service bundles the lock manager with the backing table. Get one via New,
// use the Manager, then Shutdown.
type Service struct {
	// Manager is the lock manager over the service table
	Manager lock.Manager
	// Table is the PostgreSQL lock table the manager runs on
	Table *pg.Table

	inj *linker.Injector
}

// New builds and initializes the service components for the cfg provided
func New(ctx context.Context, cfg *Config) (*Service, error) {
	log := logging.NewLogger("dblock.service")
	log.Infof("starting with the config:")
	log.Infof(spew.Sprint(cfg))

	lvl, err := cfg.LogLevelValue()
	if err != nil {
		return nil, err
	}
	logging.SetLevel(lvl)

	tbl, err := pg.NewTable(cfg.DB)
	if err != nil {
		return nil, err
	}
	mgr := lock.NewManager()

	inj := linker.New()
	inj.Register(linker.Component{Name: "", Value: tbl})
	inj.Register(linker.Component{Name: "", Value: mgr})
	if err = initInjector(ctx, inj); err != nil {
		return nil, err
	}
	return &Service{Manager: mgr, Table: tbl, inj: inj}, nil
}

// Shutdown stops the service components
func (s *Service) Shutdown() {
	s.inj.Shutdown()
}

func initInjector(ctx context.Context, inj *linker.Injector) (err error) {
	defer func() {
		// the injector panics when the wiring or a component init fails
		if r := recover(); r != nil {
			err = fmt.Errorf("could not initialize the components: %v", r)
		}
	}()
	inj.Init(ctx)
	return nil
}
