package db

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"minisql/pkg/storage/index"
	"minisql/pkg/storage/page"
)

// Session 负责解析命令并调用 Engine 执行
type Session struct {
	Engine *Engine
	Output io.Writer
}

func NewSession(engine *Engine, output io.Writer) *Session {
	return &Session{Engine: engine, Output: output}
}

var (
	reShowDB      = regexp.MustCompile(`(?i)^show\s+databases$`)
	reCreateDB    = regexp.MustCompile(`(?i)^create\s+database\s+(\w+)$`)
	reDropDB      = regexp.MustCompile(`(?i)^drop\s+database\s+(\w+)$`)
	reUseDB       = regexp.MustCompile(`(?i)^use\s+(\w+)$`)
	reShowTables  = regexp.MustCompile(`(?i)^show\s+tables$`)
	reCreateTable = regexp.MustCompile(`(?i)^create\s+table\s+(\w+)\s*\((.+)\)(?:\s+length\s+(\d+))?$`)
	reDropTable   = regexp.MustCompile(`(?i)^drop\s+table\s+(\w+)$`)
	reDescribe    = regexp.MustCompile(`(?i)^describe\s+(\w+)$`)
	reInsert      = regexp.MustCompile(`(?i)^insert\s+into\s+(\w+)\s+values\s*\((.+)\)$`)
	reSelect      = regexp.MustCompile(`(?i)^select\s+\*\s+from\s+(\w+)(?:\s+where\s+(.+))?$`)
	reWhere       = regexp.MustCompile(`(?i)^(\w+)\s*=\s*(.+)$`)
	reCreateIndex = regexp.MustCompile(`(?i)^create\s+index\s+(\w+)\s+on\s+(\w+)$`)
	reShowIndex   = regexp.MustCompile(`(?i)^show\s+index\s+(\w+)$`)
	reStats       = regexp.MustCompile(`(?i)^stats$`)
	reHelp        = regexp.MustCompile(`(?i)^help$`)
)

// Execute 解析一行命令并执行
func (s *Session) Execute(line string) error {
	line = strings.TrimSpace(line)
	line = strings.TrimSuffix(line, ";")
	line = strings.TrimSpace(line)

	switch {
	case line == "":
		return nil

	case reHelp.MatchString(line):
		s.printHelp()
		return nil

	case reShowDB.MatchString(line):
		return s.handleShowDB()

	case reCreateDB.MatchString(line):
		m := reCreateDB.FindStringSubmatch(line)
		if err := s.Engine.CreateDatabase(m[1]); err != nil {
			return err
		}
		fmt.Fprintln(s.Output, "Database created.")
		return nil

	case reDropDB.MatchString(line):
		m := reDropDB.FindStringSubmatch(line)
		if err := s.Engine.DropDatabase(m[1]); err != nil {
			return err
		}
		fmt.Fprintln(s.Output, "Database dropped.")
		return nil

	case reUseDB.MatchString(line):
		m := reUseDB.FindStringSubmatch(line)
		if err := s.Engine.UseDatabase(m[1]); err != nil {
			return err
		}
		fmt.Fprintf(s.Output, "Database changed to '%s'.\n", m[1])
		return nil

	case reShowTables.MatchString(line):
		return s.handleShowTables()

	case reCreateTable.MatchString(line):
		m := reCreateTable.FindStringSubmatch(line)
		return s.handleCreateTable(m[1], m[2], m[3])

	case reDropTable.MatchString(line):
		m := reDropTable.FindStringSubmatch(line)
		if err := s.Engine.DropTable(m[1]); err != nil {
			return err
		}
		fmt.Fprintln(s.Output, "Query OK, 0 rows affected.")
		return nil

	case reDescribe.MatchString(line):
		m := reDescribe.FindStringSubmatch(line)
		return s.handleDescribe(m[1])

	case reInsert.MatchString(line):
		m := reInsert.FindStringSubmatch(line)
		return s.handleInsert(m[1], m[2])

	case reSelect.MatchString(line):
		m := reSelect.FindStringSubmatch(line)
		return s.handleSelect(m[1], m[2])

	case reCreateIndex.MatchString(line):
		m := reCreateIndex.FindStringSubmatch(line)
		if err := s.Engine.CreateIndex(m[1], m[2], RecordKey); err != nil {
			return err
		}
		fmt.Fprintln(s.Output, "Query OK, 0 rows affected.")
		return nil

	case reShowIndex.MatchString(line):
		m := reShowIndex.FindStringSubmatch(line)
		return s.handleShowIndex(m[1])

	case reStats.MatchString(line):
		s.handleStats()
		return nil

	default:
		return fmt.Errorf("syntax error or unknown command: %s", line)
	}
}

// RecordKey 记录是 insert 语句里的值列表，第一个值是整数主键
func RecordKey(rec []byte) ([]byte, error) {
	first, _, _ := strings.Cut(string(rec), ",")
	id, err := strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("primary key (first value) must be an integer: %w", err)
	}
	return index.Int64Key(id), nil
}

// --- Handler 实现 ---

func (s *Session) printHelp() {
	fmt.Fprintln(s.Output, "--- MiniSQL Help ---")
	fmt.Fprintln(s.Output, "1.  show databases;")
	fmt.Fprintln(s.Output, "2.  create database <name>;")
	fmt.Fprintln(s.Output, "3.  drop database <name>;")
	fmt.Fprintln(s.Output, "4.  use <name>;")
	fmt.Fprintln(s.Output, "5.  show tables;")
	fmt.Fprintln(s.Output, "6.  create table <name> (<col> <type>, ...) [length <bytes>];")
	fmt.Fprintln(s.Output, "7.  describe <table>;")
	fmt.Fprintln(s.Output, "8.  insert into <table> values (<id>, <data...>);")
	fmt.Fprintln(s.Output, "9.  select * from <table> [where id = <val>];")
	fmt.Fprintln(s.Output, "10. drop table <table>;")
	fmt.Fprintln(s.Output, "11. create index <name> on <table>;")
	fmt.Fprintln(s.Output, "12. show index <name>;")
	fmt.Fprintln(s.Output, "13. stats;")
}

func (s *Session) handleShowDB() error {
	dbs, err := s.Engine.ShowDatabases()
	if err != nil {
		return err
	}
	fmt.Fprintln(s.Output, "Databases:")
	for _, d := range dbs {
		fmt.Fprintln(s.Output, "- "+d)
	}
	return nil
}

func (s *Session) handleShowTables() error {
	tables, err := s.Engine.ListTables()
	if err != nil {
		return err
	}
	fmt.Fprintf(s.Output, "Tables_in_%s:\n", s.Engine.CurrentDatabase())
	for _, t := range tables {
		fmt.Fprintln(s.Output, "- "+t)
	}
	return nil
}

func (s *Session) handleCreateTable(name, schema, length string) error {
	var recordLength uint64
	if length != "" {
		n, err := strconv.ParseUint(length, 10, 32)
		if err != nil {
			return fmt.Errorf("bad record length %q: %w", length, err)
		}
		recordLength = n
	}
	if err := s.Engine.CreateTable(name, uint32(recordLength), strings.TrimSpace(schema)); err != nil {
		return err
	}
	fmt.Fprintln(s.Output, "Query OK, 0 rows affected.")
	return nil
}

func (s *Session) handleDescribe(name string) error {
	meta, entry, err := s.Engine.DescribeTable(name)
	if err != nil {
		return err
	}
	indexes, err := s.Engine.IndexesOf(name)
	if err != nil {
		return err
	}
	length := "variable"
	if meta.RecordLength > 0 {
		length = humanize.IBytes(uint64(meta.RecordLength))
	}
	fmt.Fprintf(s.Output, "Table:   %s\n", meta.Name)
	fmt.Fprintf(s.Output, "Schema:  (%s)\n", meta.Schema)
	fmt.Fprintf(s.Output, "Record:  %s\n", length)
	fmt.Fprintf(s.Output, "Pages:   %d\n", entry.PageCount)
	fmt.Fprintf(s.Output, "Rows:    %s\n", humanize.Comma(int64(entry.RecordCount)))
	fmt.Fprintf(s.Output, "Indexes: %s\n", strings.Join(indexes, ", "))
	return nil
}

// handleInsert 整个值列表原样作为记录存放
func (s *Session) handleInsert(table, values string) error {
	rec := []byte(strings.TrimSpace(values))
	key, err := RecordKey(rec)
	if err != nil {
		return err
	}
	if _, err := s.Engine.InsertRow(table, key, rec); err != nil {
		return err
	}
	fmt.Fprintln(s.Output, "Query OK, 1 row affected.")
	return nil
}

func (s *Session) handleSelect(table, condition string) error {
	if condition == "" {
		n := 0
		fmt.Fprintf(s.Output, "--- %s ---\n", table)
		err := s.Engine.ScanTable(table, func(_ page.RID, rec []byte) error {
			n++
			fmt.Fprintln(s.Output, string(rec))
			return nil
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(s.Output, "(%d rows)\n", n)
		return nil
	}

	m := reWhere.FindStringSubmatch(strings.TrimSpace(condition))
	if m == nil {
		return fmt.Errorf("unsupported where clause")
	}
	if !strings.EqualFold(m[1], "id") {
		return fmt.Errorf("currently only supports filtering by ID")
	}
	id, err := strconv.ParseInt(strings.TrimSpace(m[2]), 10, 64)
	if err != nil {
		return fmt.Errorf("id must be integer")
	}

	rec, found, err := s.selectByID(table, id)
	if err != nil {
		return err
	}
	if !found {
		fmt.Fprintln(s.Output, "Empty set.")
		return nil
	}
	fmt.Fprintf(s.Output, "--- %s ---\n", table)
	fmt.Fprintln(s.Output, string(rec))
	fmt.Fprintln(s.Output, "(1 row)")
	return nil
}

// selectByID 表上有索引时走索引，否则全表扫描
func (s *Session) selectByID(table string, id int64) ([]byte, bool, error) {
	key := index.Int64Key(id)
	indexes, err := s.Engine.IndexesOf(table)
	if err != nil {
		return nil, false, err
	}
	if len(indexes) > 0 {
		rid, err := s.Engine.IndexLookup(indexes[0], key)
		if errors.Is(err, ErrRecordNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		rec, err := s.Engine.GetRecord(table, rid)
		if errors.Is(err, ErrRecordNotFound) {
			return nil, false, nil
		}
		return rec, err == nil, err
	}

	var found []byte
	errFound := errors.New("found")
	err = s.Engine.ScanTable(table, func(_ page.RID, rec []byte) error {
		k, err := RecordKey(rec)
		if err == nil && string(k) == string(key) {
			found = rec
			return errFound
		}
		return nil
	})
	if errors.Is(err, errFound) {
		return found, true, nil
	}
	return nil, false, err
}

func (s *Session) handleShowIndex(name string) error {
	meta, err := s.Engine.IndexMeta(name)
	if err != nil {
		return err
	}
	ix, err := s.Engine.Index(name)
	if err != nil {
		return err
	}
	keys := 0
	if err := s.Engine.IndexScan(name, nil, func([]byte, page.RID) bool {
		keys++
		return true
	}); err != nil {
		return err
	}
	fmt.Fprintf(s.Output, "Index:  %s\n", meta.Name)
	fmt.Fprintf(s.Output, "Table:  %s\n", meta.Table)
	fmt.Fprintf(s.Output, "Root:   page %d\n", ix.Root())
	fmt.Fprintf(s.Output, "Nodes:  %d\n", len(ix.Pages()))
	fmt.Fprintf(s.Output, "Keys:   %s\n", humanize.Comma(int64(keys)))
	return nil
}

func (s *Session) handleStats() {
	for _, st := range s.Engine.Stats() {
		fmt.Fprintf(s.Output, "%-6s frames %d/%d (%s), pinned %d, dirty %d\n",
			st.Name, st.Live, st.Capacity,
			humanize.IBytes(uint64(st.Capacity)*page.PageSize),
			st.Pinned, st.Dirty)
	}
}
