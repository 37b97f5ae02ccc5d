package cmd

import (
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/jmorganca/cascade/format"
	"github.com/jmorganca/cascade/progress"
	"github.com/jmorganca/cascade/safetensors"
	"github.com/jmorganca/cascade/weights"
)

func weightsHandler(cmd *cobra.Command, args []string) error {
	overrides, err := weightOverrides(cmd)
	if err != nil {
		return err
	}

	p := progress.NewProgress(os.Stderr)
	paths, err := resolveWeights(cmd.Context(), p, overrides)
	p.StopAndClear()
	if err != nil {
		return err
	}

	data, err := weightRows(paths)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"FILE", "TENSORS", "PARAMETERS", "SIZE", "MODIFIED", "PATH"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	return nil
}

// weightRows describes each resolved file. Tokenizers have no tensors.
func weightRows(paths map[weights.File]string) ([][]string, error) {
	var data [][]string
	for _, file := range weights.Files() {
		path, ok := paths[file]
		if !ok {
			continue
		}

		fi, err := os.Stat(path)
		if err != nil {
			return nil, &weights.ResourceError{File: file, Err: err}
		}

		tensors, params := "-", "-"
		if !file.IsTokenizer() {
			f, err := safetensors.Open(path)
			if err != nil {
				return nil, &weights.ResourceError{File: file, Err: err}
			}

			tensors = strconv.Itoa(len(f.Names()))
			params = format.HumanNumber(f.Parameters())
			f.Close()
		}

		data = append(data, []string{file.String(), tensors, params, format.HumanBytes(fi.Size()), format.HumanTime(fi.ModTime(), "Never"), path})
	}

	return data, nil
}
