// Package sheets is a row store backed by one tab of a Google spreadsheet.
// The first row holds the field names; a row's key is its sheet row number.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/go-survey/internal/rowstore"
	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"
)

// headerRow is the sheet row holding field names. Data starts on the next row.
const headerRow = 1

// ValuesAPI is the slice of the Sheets values resource the store uses.
type ValuesAPI interface {
	Get(ctx context.Context, rng string) ([][]any, error)
	BatchUpdate(ctx context.Context, ranges map[string][][]any) error
	Append(ctx context.Context, rng string, values [][]any) (updatedRange string, err error)
	Clear(ctx context.Context, rng string) error
}

// Config selects the spreadsheet tab.
type Config struct {
	CredentialsFile string
	SpreadsheetID   string
	SheetName       string
}

// Store implements rowstore.Admin over a spreadsheet tab.
type Store struct {
	api    ValuesAPI
	sheet  string
	fields []string
}

var _ rowstore.Admin = (*Store)(nil)

// Dial connects to the Sheets API with a service-account credentials file and
// opens the configured tab.
func Dial(ctx context.Context, cfg Config, fields []string) (*Store, error) {
	if cfg.SpreadsheetID == "" {
		return nil, errors.New("sheets: spreadsheet id required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	svc, err := sheetsapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("sheets: new service: %w", err)
	}
	return Open(ctx, &serviceValues{svc: svc, spreadsheetID: cfg.SpreadsheetID}, cfg.SheetName, fields)
}

// Open reads the header of sheet, writing fields as the header when the tab is
// empty. Every field must appear in an existing header.
func Open(ctx context.Context, api ValuesAPI, sheet string, fields []string) (*Store, error) {
	if sheet == "" {
		sheet = "Sheet1"
	}
	if len(fields) == 0 {
		return nil, errors.New("sheets: no fields declared")
	}
	s := &Store{api: api, sheet: sheet}
	header, err := s.readHeader(ctx)
	if err != nil {
		return nil, err
	}
	if len(header) == 0 {
		if err := s.writeHeader(ctx, fields); err != nil {
			return nil, err
		}
		header = fields
	}
	present := make(map[string]bool, len(header))
	for _, h := range header {
		present[h] = true
	}
	var missing []string
	for _, f := range fields {
		if !present[f] {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("sheets: header of %s lacks fields %s", sheet, strings.Join(missing, ", "))
	}
	s.fields = append([]string(nil), header...)
	return s, nil
}

func (s *Store) readHeader(ctx context.Context) ([]string, error) {
	values, err := s.api.Get(ctx, fmt.Sprintf("%s!%d:%d", quoteSheet(s.sheet), headerRow, headerRow))
	if err != nil {
		return nil, fmt.Errorf("sheets: read header: %w", err)
	}
	if len(values) == 0 {
		return nil, nil
	}
	header := make([]string, 0, len(values[0]))
	for _, v := range values[0] {
		header = append(header, strings.TrimSpace(fmt.Sprint(v)))
	}
	for len(header) > 0 && header[len(header)-1] == "" {
		header = header[:len(header)-1]
	}
	return header, nil
}

func (s *Store) writeHeader(ctx context.Context, fields []string) error {
	row := make([]any, len(fields))
	for i, f := range fields {
		row[i] = f
	}
	rng := cellRange(s.sheet, 0, headerRow, len(fields)-1, headerRow)
	if err := s.api.BatchUpdate(ctx, map[string][][]any{rng: {row}}); err != nil {
		return fmt.Errorf("sheets: write header: %w", err)
	}
	return nil
}

// Fields returns the header in column order.
func (s *Store) Fields() []string {
	return append([]string(nil), s.fields...)
}

func (s *Store) lastColumn() int {
	return len(s.fields) - 1
}

func (s *Store) toData(cells []any) rowstore.Data {
	data := make(rowstore.Data, len(s.fields))
	for i, f := range s.fields {
		if i < len(cells) && cells[i] != nil {
			data[f] = fmt.Sprint(cells[i])
		} else {
			data[f] = ""
		}
	}
	return data
}

func blank(cells []any) bool {
	for _, c := range cells {
		if c != nil && fmt.Sprint(c) != "" {
			return false
		}
	}
	return true
}

// FetchAll returns every non-blank data row.
func (s *Store) FetchAll(ctx context.Context) ([]rowstore.Row, error) {
	rng := fmt.Sprintf("%s!A%d:%s", quoteSheet(s.sheet), headerRow+1, columnName(s.lastColumn()))
	values, err := s.api.Get(ctx, rng)
	if err != nil {
		return nil, fmt.Errorf("sheets: read rows: %w", err)
	}
	rows := make([]rowstore.Row, 0, len(values))
	for i, cells := range values {
		if blank(cells) {
			continue
		}
		rows = append(rows, rowstore.Row{Key: int64(headerRow + 1 + i), Data: s.toData(cells)})
	}
	return rows, nil
}

// FetchOne returns the row at key, or nil when the sheet row is blank or the
// key points at the header.
func (s *Store) FetchOne(ctx context.Context, key int64) (*rowstore.Row, error) {
	if key <= headerRow {
		return nil, nil
	}
	values, err := s.api.Get(ctx, cellRange(s.sheet, 0, int(key), s.lastColumn(), int(key)))
	if err != nil {
		return nil, fmt.Errorf("sheets: read row %d: %w", key, err)
	}
	if len(values) == 0 || blank(values[0]) {
		return nil, nil
	}
	return &rowstore.Row{Key: key, Data: s.toData(values[0])}, nil
}

// WritePartial updates only the cells of the named fields.
func (s *Store) WritePartial(ctx context.Context, key int64, fields rowstore.Data) error {
	if err := rowstore.CheckFields(s.fields, fields); err != nil {
		return fmt.Errorf("sheets: write row %d: %w", key, err)
	}
	existing, err := s.FetchOne(ctx, key)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("sheets: write row %d: %w", key, rowstore.ErrRowNotFound)
	}
	ranges := make(map[string][][]any, len(fields))
	for i, f := range s.fields {
		v, ok := fields[f]
		if !ok {
			continue
		}
		ranges[cellRange(s.sheet, i, int(key), i, int(key))] = [][]any{{v}}
	}
	if err := s.api.BatchUpdate(ctx, ranges); err != nil {
		return fmt.Errorf("sheets: write row %d: %w", key, err)
	}
	return nil
}

// Append adds data after the last row of the table.
func (s *Store) Append(ctx context.Context, data rowstore.Data) (rowstore.Row, error) {
	if err := rowstore.CheckFields(s.fields, data); err != nil {
		return rowstore.Row{}, fmt.Errorf("sheets: append: %w", err)
	}
	row := make([]any, len(s.fields))
	for i, f := range s.fields {
		row[i] = data.Get(f)
	}
	updated, err := s.api.Append(ctx, cellRange(s.sheet, 0, headerRow, s.lastColumn(), headerRow), [][]any{row})
	if err != nil {
		return rowstore.Row{}, fmt.Errorf("sheets: append: %w", err)
	}
	_, from, _, err := splitRange(updated)
	if err != nil || from.row == 0 {
		return rowstore.Row{}, fmt.Errorf("sheets: append: unexpected updated range %q", updated)
	}
	return rowstore.Row{Key: int64(from.row), Data: s.toData(row)}, nil
}

// Clear blanks every data row and keeps the header. Row numbers are reused
// by later appends.
func (s *Store) Clear(ctx context.Context) error {
	rng := fmt.Sprintf("%s!A%d:%s", quoteSheet(s.sheet), headerRow+1, columnName(s.lastColumn()))
	if err := s.api.Clear(ctx, rng); err != nil {
		return fmt.Errorf("sheets: clear: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return nil }

// serviceValues adapts the generated client to ValuesAPI.
type serviceValues struct {
	svc           *sheetsapi.Service
	spreadsheetID string
}

func (v *serviceValues) Get(ctx context.Context, rng string) ([][]any, error) {
	resp, err := v.svc.Spreadsheets.Values.Get(v.spreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return resp.Values, nil
}

func (v *serviceValues) BatchUpdate(ctx context.Context, ranges map[string][][]any) error {
	req := &sheetsapi.BatchUpdateValuesRequest{ValueInputOption: "RAW"}
	for rng, values := range ranges {
		req.Data = append(req.Data, &sheetsapi.ValueRange{Range: rng, Values: values})
	}
	_, err := v.svc.Spreadsheets.Values.BatchUpdate(v.spreadsheetID, req).Context(ctx).Do()
	return err
}

func (v *serviceValues) Append(ctx context.Context, rng string, values [][]any) (string, error) {
	resp, err := v.svc.Spreadsheets.Values.Append(v.spreadsheetID, rng, &sheetsapi.ValueRange{Values: values}).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return "", err
	}
	if resp.Updates == nil {
		return "", errors.New("append response has no updates")
	}
	return resp.Updates.UpdatedRange, nil
}

func (v *serviceValues) Clear(ctx context.Context, rng string) error {
	_, err := v.svc.Spreadsheets.Values.Clear(v.spreadsheetID, rng, &sheetsapi.ClearValuesRequest{}).Context(ctx).Do()
	return err
}
