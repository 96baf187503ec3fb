// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package view

import (
	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qbsync/internal/mirror"
)

// compile returns the cached program for source, compiling it on a miss.
// Expressions are evaluated against go-qbittorrent's Torrent, so filters
// written for other autobrr tools work unchanged.
func (v *View) compile(source string) (*vm.Program, error) {
	if program, ok := v.programs.Get(source); ok {
		return program, nil
	}

	program, err := expr.Compile(source, expr.Env(qbt.Torrent{}), expr.AsBool())
	if err != nil {
		return nil, errors.Wrapf(err, "invalid filter expression %q", source)
	}

	if ok := v.programs.Set(source, program, ttlcache.DefaultTTL); !ok {
		log.Warn().Str("expr", source).Msg("Failed to cache expression")
	}
	return program, nil
}

func matchExpr(program *vm.Program, t *mirror.Torrent) bool {
	result, err := expr.Run(program, t.QBT())
	if err != nil {
		log.Error().Err(err).Str("hash", t.Hash).Msg("Failed to evaluate expression")
		return false
	}

	matched, ok := result.(bool)
	if !ok {
		log.Error().Msg("Expression result is not a boolean")
		return false
	}
	return matched
}
