package main

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/caretrack/wardsync/internal/record"
)

type cliRecord struct {
	record.RecordVersion
	Deleted bool `json:"deleted,omitempty"`
}

type cliSubmit struct {
	Set        map[string]interface{} `json:"set,omitempty"`
	SetTimes   map[string]string      `json:"set_times,omitempty"`
	AddRefs    map[string][]string    `json:"add_refs,omitempty"`
	RemoveRefs map[string][]string    `json:"remove_refs,omitempty"`
}

type cliSubmitResult struct {
	Status       string               `json:"status"`
	Version      record.RecordVersion `json:"version"`
	ReviewFields []string             `json:"review_fields,omitempty"`
}

func runRecord(args []string) {
	if len(args) == 0 {
		fmt.Println(`Usage: wardsync-cli record <subcommand>

Subcommands:
  list <type> [--all]              List records (--all includes deleted)
  get <type> <id>                  Show one record with field detail
  set <type> <id> field=value...   Create or update fields
  assign <type> <id> <staff>...    Add staff to assignees
  unassign <type> <id> <staff>...  Remove staff from assignees
  delete <type> <id>               Tombstone a record
  restore <type> <id>              Undo a deletion`)
		os.Exit(1)
	}

	requireCreds()

	switch args[0] {
	case "list", "ls":
		if len(args) < 2 {
			fatal("record list requires a type (task or handover)")
		}
		recordList(args[1], len(args) > 2 && args[2] == "--all")
	case "get":
		if len(args) < 3 {
			fatal("record get requires a type and an id")
		}
		recordGet(args[1], args[2])
	case "set":
		if len(args) < 4 {
			fatal("record set requires a type, an id, and at least one field=value")
		}
		recordSet(args[1], args[2], args[3:])
	case "assign":
		if len(args) < 4 {
			fatal("record assign requires a type, an id, and at least one staff id")
		}
		recordRefs(args[1], args[2], args[3:], nil)
	case "unassign":
		if len(args) < 4 {
			fatal("record unassign requires a type, an id, and at least one staff id")
		}
		recordRefs(args[1], args[2], nil, args[3:])
	case "delete", "rm":
		if len(args) < 3 {
			fatal("record delete requires a type and an id")
		}
		apiJSON("DELETE", "/records/"+args[1]+"/"+url.PathEscape(args[2]), nil, nil)
		fmt.Printf("Record %s/%s deleted.\n", args[1], args[2])
	case "restore":
		if len(args) < 3 {
			fatal("record restore requires a type and an id")
		}
		apiJSON("POST", "/records/"+args[1]+"/"+url.PathEscape(args[2])+"/restore", nil, nil)
		fmt.Printf("Record %s/%s restored.\n", args[1], args[2])
	default:
		fatal("unknown record subcommand: " + args[0])
	}
}

func recordList(recordType string, includeDeleted bool) {
	path := "/records/" + recordType
	if includeDeleted {
		path += "?include_deleted=true"
	}

	var records []cliRecord
	apiJSON("GET", path, nil, &records)

	if len(records) == 0 {
		fmt.Println("No records found.")
		return
	}

	headers := []string{"ID", "TITLE", "STATUS", "ASSIGNEES", "UPDATED"}
	if includeDeleted {
		headers = append(headers, "DELETED")
	}
	var rows [][]string
	for _, r := range records {
		status := r.Status()
		if status == "" {
			status = "-"
		}
		row := []string{
			r.RecordID,
			fieldString(r.RecordVersion, "title"),
			status,
			strings.Join(assignees(r.RecordVersion), ","),
			formatUnixNanos(newestStamp(r.RecordVersion)),
		}
		if includeDeleted {
			row = append(row, strconv.FormatBool(r.Deleted))
		}
		rows = append(rows, row)
	}
	printTable(headers, rows)
}

func recordGet(recordType, id string) {
	var r cliRecord
	apiJSON("GET", "/records/"+recordType+"/"+url.PathEscape(id), nil, &r)

	fmt.Printf("Record:  %s/%s\n", r.RecordType, r.RecordID)
	fmt.Printf("Clock:   %v\n", r.Clock)
	if r.Deleted {
		fmt.Println("Deleted: true")
	}
	fmt.Println()

	names := make([]string, 0, len(r.Fields))
	for name := range r.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	headers := []string{"FIELD", "KIND", "VALUE", "WRITTEN BY", "WRITTEN AT"}
	var rows [][]string
	for _, name := range names {
		f := r.Fields[name]
		rows = append(rows, []string{
			name,
			string(f.Value.Kind),
			fieldValueString(f.Value),
			f.Stamp.Node,
			formatUnixNanos(f.Stamp.WallNanos),
		})
	}
	printTable(headers, rows)
}

func recordSet(recordType, id string, fieldArgs []string) {
	set, setTimes, err := parseFieldArgs(fieldArgs)
	if err != nil {
		fatal(err.Error())
	}

	var res cliSubmitResult
	apiJSON("POST", "/records/"+recordType+"/"+url.PathEscape(id),
		cliSubmit{Set: set, SetTimes: setTimes}, &res)

	fmt.Printf("Record %s/%s %s.\n", recordType, id, res.Status)
	if len(res.ReviewFields) > 0 {
		fmt.Printf("Manual review opened for: %s\n", strings.Join(res.ReviewFields, ", "))
	}
}

func recordRefs(recordType, id string, add, remove []string) {
	body := cliSubmit{}
	if len(add) > 0 {
		body.AddRefs = map[string][]string{"assignees": add}
	}
	if len(remove) > 0 {
		body.RemoveRefs = map[string][]string{"assignees": remove}
	}

	var res cliSubmitResult
	apiJSON("POST", "/records/"+recordType+"/"+url.PathEscape(id), body, &res)

	live := assignees(res.Version)
	fmt.Printf("Record %s/%s now assigned to: %s\n", recordType, id, strings.Join(live, ", "))
}

func fieldString(v record.RecordVersion, name string) string {
	f, ok := v.Fields[name]
	if !ok {
		return "-"
	}
	return fieldValueString(f.Value)
}

func fieldValueString(v record.FieldValue) string {
	switch v.Kind {
	case record.KindString, record.KindEnum:
		return v.Str
	case record.KindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case record.KindBool:
		return strconv.FormatBool(v.Bool)
	case record.KindTime:
		return formatUnixNanos(v.Time)
	case record.KindRefList:
		return strings.Join(record.LiveRefs(v), ",")
	}
	return string(v.Kind)
}

func assignees(v record.RecordVersion) []string {
	f, ok := v.Fields["assignees"]
	if !ok {
		return nil
	}
	return record.LiveRefs(f.Value)
}

func newestStamp(v record.RecordVersion) int64 {
	var newest int64
	for _, f := range v.Fields {
		if f.Stamp.WallNanos > newest {
			newest = f.Stamp.WallNanos
		}
	}
	return newest
}
