package store

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// csvTable is a header-addressed csv export.
type csvTable struct {
	cols map[string]int
	rows [][]string
}

func readCSVTable(r io.Reader, kind string, required ...string) (*csvTable, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s csv: %w", kind, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%s csv is empty", kind)
	}

	t := &csvTable{cols: make(map[string]int, len(records[0]))}
	for i, name := range records[0] {
		t.cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}
	for _, name := range required {
		if _, ok := t.cols[name]; !ok {
			return nil, fmt.Errorf("%s csv is missing the %q column", kind, name)
		}
	}
	t.rows = records[1:]
	return t, nil
}

func (t *csvTable) field(row []string, name string) string {
	i, ok := t.cols[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// LoadUsersCSV reads the lab client export. Rows without a phone or client id are skipped.
func LoadUsersCSV(r io.Reader) ([]User, error) {
	t, err := readCSVTable(r, "user", "client_id", "phone")
	if err != nil {
		return nil, err
	}
	var users []User
	for _, row := range t.rows {
		phone, clientID := t.field(row, "phone"), t.field(row, "client_id")
		if phone == "" || clientID == "" {
			continue
		}
		users = append(users, User{
			ClientID:        clientID,
			Phone:           phone,
			PDFResultLink:   t.field(row, "pdf_result_link"),
			ASCIIResultLink: t.field(row, "ascii_result_link"),
		})
	}
	return users, nil
}

// LoadFoodsCSV reads the lab code to food name mapping.
func LoadFoodsCSV(r io.Reader) ([]Food, error) {
	t, err := readCSVTable(r, "food", "name", "lab_code")
	if err != nil {
		return nil, err
	}
	var foods []Food
	for _, row := range t.rows {
		code := t.field(row, "lab_code")
		if code == "" {
			continue
		}
		foods = append(foods, Food{Name: t.field(row, "name"), LabCode: code})
	}
	return foods, nil
}

// LoadMealTypesCSV reads the meal type catalogue. menu_name falls back to name.
func LoadMealTypesCSV(r io.Reader) ([]MealType, error) {
	t, err := readCSVTable(r, "meal type", "id", "name")
	if err != nil {
		return nil, err
	}
	var types []MealType
	for n, row := range t.rows {
		raw := t.field(row, "id")
		if raw == "" {
			continue
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid meal type id %q on line %d: %w", raw, n+2, err)
		}
		mt := MealType{ID: id, Name: t.field(row, "name"), MenuName: t.field(row, "menu_name")}
		if mt.MenuName == "" {
			mt.MenuName = mt.Name
		}
		types = append(types, mt)
	}
	return types, nil
}
