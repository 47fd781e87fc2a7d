/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package patterns imports branch, bay and pattern rule definitions from
// YAML files.
package patterns

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/friendsincode/bayline/internal/directory"
	"github.com/friendsincode/bayline/internal/models"
	"github.com/friendsincode/bayline/internal/slots"
	"github.com/friendsincode/bayline/internal/store"
)

// File is the top-level document.
type File struct {
	Branches []Branch `yaml:"branches"`
}

// Branch is a branch with its bays and stored pattern rules.
type Branch struct {
	directory.BranchInput `yaml:",inline"`

	Bays     []directory.BayInput `yaml:"bays"`
	Patterns []Rule               `yaml:"patterns"`
}

// Rule is a stored pattern rule. Bays are referenced by code.
type Rule struct {
	Name          string          `yaml:"name"`
	RRule         string          `yaml:"rrule"`
	StartTime     string          `yaml:"start_time"`
	EndTime       string          `yaml:"end_time"`
	Category      models.Category `yaml:"category"`
	PriorityOrder int             `yaml:"priority_order"`
	BayCodes      []string        `yaml:"bays"`
	Active        *bool           `yaml:"active"`
}

// Parse decodes a document, rejecting unknown keys.
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return &f, nil
		}
		return nil, fmt.Errorf("decode pattern file: %w", err)
	}
	for i, b := range f.Branches {
		if b.Code == "" {
			return nil, fmt.Errorf("branch %d has no code: %w", i, slots.ErrInvalidRequest)
		}
		for _, p := range b.Patterns {
			if p.Name == "" {
				return nil, fmt.Errorf("branch %s has a pattern without a name: %w", b.Code, slots.ErrInvalidRequest)
			}
		}
	}
	return &f, nil
}

// LoadFile reads and parses path.
func LoadFile(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return Parse(fh)
}

// Result counts what an import touched.
type Result struct {
	Branches int `json:"branches"`
	Bays     int `json:"bays"`
	Rules    int `json:"rules"`
}

// Importer writes parsed documents through the directory service.
type Importer struct {
	store  *store.Store
	dir    *directory.Service
	logger zerolog.Logger
}

// NewImporter creates an importer.
func NewImporter(st *store.Store, dir *directory.Service, logger zerolog.Logger) *Importer {
	return &Importer{
		store:  st,
		dir:    dir,
		logger: logger.With().Str("component", "patterns").Logger(),
	}
}

// Import upserts every branch, bay and rule of f. Records are matched by
// code (branches, bays) and name (rules) so reimporting is harmless.
func (im *Importer) Import(ctx context.Context, f *File) (*Result, error) {
	res := &Result{}
	for _, b := range f.Branches {
		in := b.BranchInput
		if in.ID == "" {
			id, err := im.branchIDByCode(ctx, in.Code)
			if err != nil {
				return res, err
			}
			in.ID = id
		}
		branch, err := im.dir.UpsertBranch(ctx, in)
		if err != nil {
			return res, fmt.Errorf("branch %s: %w", b.Code, err)
		}
		res.Branches++

		codes := make(map[string]string, len(b.Bays))
		for _, bay := range b.Bays {
			bay.BranchID = branch.ID
			if bay.ID == "" {
				id, err := im.bayIDByCode(ctx, branch.ID, bay.Code)
				if err != nil {
					return res, err
				}
				bay.ID = id
			}
			saved, err := im.dir.UpsertBay(ctx, bay)
			if err != nil {
				return res, fmt.Errorf("branch %s bay %s: %w", b.Code, bay.Code, err)
			}
			codes[saved.Code] = saved.ID
			res.Bays++
		}

		for _, rule := range b.Patterns {
			if err := im.upsertRule(ctx, branch.ID, rule, codes); err != nil {
				return res, fmt.Errorf("branch %s pattern %s: %w", b.Code, rule.Name, err)
			}
			res.Rules++
		}
	}

	im.logger.Info().
		Int("branches", res.Branches).
		Int("bays", res.Bays).
		Int("rules", res.Rules).
		Msg("pattern file imported")
	return res, nil
}

func (im *Importer) branchIDByCode(ctx context.Context, code string) (string, error) {
	var branch models.Branch
	err := im.store.DB(ctx).Select("id").Where("code = ?", code).First(&branch).Error
	switch {
	case err == nil:
		return branch.ID, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return uuid.NewString(), nil
	default:
		return "", err
	}
}

func (im *Importer) bayIDByCode(ctx context.Context, branchID, code string) (string, error) {
	var bay models.ServiceBay
	err := im.store.DB(ctx).Select("id").Where("branch_id = ? AND code = ?", branchID, code).First(&bay).Error
	switch {
	case err == nil:
		return bay.ID, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return uuid.NewString(), nil
	default:
		return "", err
	}
}

func (im *Importer) upsertRule(ctx context.Context, branchID string, rule Rule, bayCodes map[string]string) error {
	if _, err := models.ParseClock(rule.StartTime); err != nil {
		return fmt.Errorf("%v: %w", err, slots.ErrInvalidRequest)
	}
	if _, err := models.ParseClock(rule.EndTime); err != nil {
		return fmt.Errorf("%v: %w", err, slots.ErrInvalidRequest)
	}

	var bayIDs []string
	for _, code := range rule.BayCodes {
		id, ok := bayCodes[code]
		if !ok {
			var err error
			if id, err = im.existingBay(ctx, branchID, code); err != nil {
				return err
			}
		}
		bayIDs = append(bayIDs, id)
	}

	row := models.PatternRule{
		BranchID:      branchID,
		Name:          rule.Name,
		RRule:         strings.TrimSpace(rule.RRule),
		StartTime:     rule.StartTime,
		EndTime:       rule.EndTime,
		Category:      rule.Category.Normalize(),
		PriorityOrder: rule.PriorityOrder,
		BayIDs:        bayIDs,
		Active:        rule.Active == nil || *rule.Active,
	}

	return im.store.DB(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.PatternRule
		err := tx.Where("branch_id = ? AND name = ?", branchID, rule.Name).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row.ID = uuid.NewString()
			return tx.Create(&row).Error
		case err != nil:
			return err
		}
		row.ID = existing.ID
		row.CreatedAt = existing.CreatedAt
		return tx.Save(&row).Error
	})
}

func (im *Importer) existingBay(ctx context.Context, branchID, code string) (string, error) {
	var bay models.ServiceBay
	err := im.store.DB(ctx).Select("id").Where("branch_id = ? AND code = ?", branchID, code).First(&bay).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("bay %s: %w", code, store.ErrNotFound)
	}
	return bay.ID, err
}
