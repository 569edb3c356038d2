package main

import (
	"strconv"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cockroachdb/errors"

	"kstore/columnar"
)

const countrySchema = "continent:string,country:string,population:int64,density:float64"

// parseSchema reads "name:type[:computed]" entries separated by commas
func parseSchema(def string) ([]columnar.Column, error) {
	var cols []columnar.Column
	for _, field := range strings.Split(def, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		parts := strings.Split(field, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
			return nil, errors.Newf("invalid column %q, want name:type", field)
		}
		t, err := columnar.ParseColumnType(parts[1])
		if err != nil {
			return nil, err
		}
		switch {
		case len(parts) == 2:
			cols = append(cols, columnar.NewColumn(parts[0], t))
		case parts[2] == "computed":
			cols = append(cols, columnar.NewComputedColumn(parts[0], t))
		default:
			return nil, errors.Newf("unknown column option %q", parts[2])
		}
	}
	if len(cols) == 0 {
		return nil, errors.New("empty schema")
	}
	return cols, nil
}

// columnIndexes resolves column names; an empty list selects every column
func columnIndexes(cols []columnar.Column, names []string) ([]int, error) {
	if len(names) == 0 {
		all := make([]int, len(cols))
		for i := range cols {
			all[i] = i
		}
		return all, nil
	}
	out := make([]int, 0, len(names))
	for _, name := range names {
		found := -1
		for i, c := range cols {
			if c.Name == name {
				found = i
				break
			}
		}
		if found < 0 {
			return nil, errors.Newf("unknown column %q", name)
		}
		out = append(out, found)
	}
	return out, nil
}

// parseIDs reads a list of row ids and inclusive ranges such as "1,4-7"
func parseIDs(list []string) (*roaring.Bitmap, error) {
	if len(list) == 0 {
		return nil, nil
	}
	bm := roaring.New()
	for _, item := range list {
		lo, hi, isRange := strings.Cut(item, "-")
		start, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid row id %q", item)
		}
		end := start
		if isRange {
			if end, err = strconv.ParseUint(strings.TrimSpace(hi), 10, 32); err != nil {
				return nil, errors.Wrapf(err, "invalid row id %q", item)
			}
			if end < start {
				return nil, errors.Newf("invalid range %q", item)
			}
		}
		bm.AddRange(start, end+1)
	}
	return bm, nil
}
