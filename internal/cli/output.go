package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
)

// Output форматирует вывод команд: данные в stdout, сообщения в stderr.
type Output struct {
	jsonMode bool
	w        io.Writer
	errW     io.Writer
}

// NewOutput создаёт Output поверх os.Stdout и os.Stderr.
func NewOutput(jsonMode bool) *Output {
	return NewOutputTo(jsonMode, os.Stdout, os.Stderr)
}

// NewOutputTo создаёт Output с заданными потоками.
func NewOutputTo(jsonMode bool, w, errW io.Writer) *Output {
	return &Output{jsonMode: jsonMode, w: w, errW: errW}
}

// Field — строка блока "ключ: значение".
type Field struct {
	Key   string
	Value string
}

// Print выводит jsonData в JSON-режиме, иначе таблицу.
func (o *Output) Print(headers []string, rows [][]string, jsonData any) {
	if o.jsonMode {
		o.JSON(jsonData)
		return
	}
	o.Table(headers, rows)
}

// Table выводит выровненную таблицу. Пустая таблица печатается как "(none)".
func (o *Output) Table(headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Fprintln(o.w, "(none)")
		return
	}

	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, c := range row {
			if c == "" {
				c = "-"
			}
			cells[i] = c
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	tw.Flush()
}

// Details выводит поля столбиком, пустые значения пропускаются.
func (o *Output) Details(fields []Field) {
	tw := tabwriter.NewWriter(o.w, 0, 0, 1, ' ', 0)
	for _, f := range fields {
		if f.Value == "" {
			continue
		}
		fmt.Fprintf(tw, "%s:\t%s\n", f.Key, f.Value)
	}
	tw.Flush()
}

// JSON выводит v с отступами.
func (o *Output) JSON(v any) {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		o.Error(err.Error())
	}
}

// Success пишет сообщение в stderr, чтобы не мешать данным в stdout.
func (o *Output) Success(msg string) {
	fmt.Fprintln(o.errW, msg)
}

// Error пишет сообщение об ошибке в stderr.
func (o *Output) Error(msg string) {
	fmt.Fprintln(o.errW, "Error: "+msg)
}
