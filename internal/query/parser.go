package query

import (
	"strconv"
	"strings"

	"github.com/lminervino18/rustic-airlines/internal/dberr"
	"github.com/lminervino18/rustic-airlines/internal/model"
)

// Parse turns one CQL statement into its AST. Every failure is a ParseError
// naming what was expected and where.
func Parse(input string) (Statement, error) {
	tokens, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	stmt, err := p.parseStatement()
	if err != nil {
		return nil, err
	}
	p.acceptSymbol(";")
	if !p.atEOF() {
		return nil, p.errorf("unexpected %q after statement", p.peek().text)
	}
	return stmt, nil
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokSymbol
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func lex(input string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case isIdentStart(c):
			start := i
			for i < len(input) && isIdentPart(input[i]) {
				i++
			}
			tokens = append(tokens, token{tokIdent, input[start:i], start})
		case c >= '0' && c <= '9' || c == '-' && i+1 < len(input) && input[i+1] >= '0' && input[i+1] <= '9':
			start := i
			i++
			for i < len(input) && (input[i] >= '0' && input[i] <= '9' || input[i] == '.' ||
				input[i] == 'e' || input[i] == 'E' ||
				(input[i] == '-' || input[i] == '+') && (input[i-1] == 'e' || input[i-1] == 'E')) {
				i++
			}
			tokens = append(tokens, token{tokNumber, input[start:i], start})
		case c == '\'':
			i++
			var sb strings.Builder
			start := i
			for {
				if i >= len(input) {
					return nil, dberr.New(dberr.CodeParse, "unterminated string literal at offset %d", start-1)
				}
				if input[i] == '\'' {
					if i+1 < len(input) && input[i+1] == '\'' {
						sb.WriteByte('\'')
						i += 2
						continue
					}
					i++
					break
				}
				sb.WriteByte(input[i])
				i++
			}
			tokens = append(tokens, token{tokString, sb.String(), start})
		case c == '<' || c == '>':
			if i+1 < len(input) && input[i+1] == '=' {
				tokens = append(tokens, token{tokSymbol, input[i : i+2], i})
				i += 2
			} else {
				tokens = append(tokens, token{tokSymbol, string(c), i})
				i++
			}
		case strings.ContainsRune("(),.;=*{}:", rune(c)):
			tokens = append(tokens, token{tokSymbol, string(c), i})
			i++
		default:
			return nil, dberr.New(dberr.CodeParse, "unexpected character %q at offset %d", string(c), i)
		}
	}
	tokens = append(tokens, token{tokEOF, "", len(input)})
	return tokens, nil
}

func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token { return p.tokens[p.pos] }
func (p *parser) atEOF() bool { return p.peek().kind == tokEOF }

func (p *parser) errorf(format string, args ...interface{}) error {
	return dberr.New(dberr.CodeParse, format, args...)
}

// acceptKeyword consumes the next token when it is the given keyword.
func (p *parser) acceptKeyword(kw string) bool {
	t := p.peek()
	if t.kind == tokIdent && strings.EqualFold(t.text, kw) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expectKeyword(kw string) error {
	if !p.acceptKeyword(kw) {
		return p.errorf("expected %s, got %q", strings.ToUpper(kw), p.peek().text)
	}
	return nil
}

func (p *parser) acceptSymbol(sym string) bool {
	t := p.peek()
	if t.kind == tokSymbol && t.text == sym {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expectSymbol(sym string) error {
	if !p.acceptSymbol(sym) {
		return p.errorf("expected %q, got %q", sym, p.peek().text)
	}
	return nil
}

func (p *parser) expectIdent() (string, error) {
	t := p.peek()
	if t.kind != tokIdent {
		return "", p.errorf("expected identifier, got %q", t.text)
	}
	p.pos++
	return strings.ToLower(t.text), nil
}

// qualifiedName parses name or keyspace.name.
func (p *parser) qualifiedName() (keyspace, name string, err error) {
	first, err := p.expectIdent()
	if err != nil {
		return "", "", err
	}
	if p.acceptSymbol(".") {
		second, err := p.expectIdent()
		if err != nil {
			return "", "", err
		}
		return first, second, nil
	}
	return "", first, nil
}

// literal parses a value: string, number, or bare true/false.
func (p *parser) literal() (string, error) {
	t := p.peek()
	switch t.kind {
	case tokString, tokNumber:
		p.pos++
		return t.text, nil
	case tokIdent:
		if strings.EqualFold(t.text, "true") || strings.EqualFold(t.text, "false") {
			p.pos++
			return strings.ToLower(t.text), nil
		}
	}
	return "", p.errorf("expected literal, got %q", t.text)
}

func (p *parser) parseStatement() (Statement, error) {
	switch {
	case p.acceptKeyword("create"):
		if p.acceptKeyword("keyspace") {
			return p.parseCreateKeyspace()
		}
		if p.acceptKeyword("table") {
			return p.parseCreateTable()
		}
		return nil, p.errorf("expected KEYSPACE or TABLE after CREATE")
	case p.acceptKeyword("drop"):
		if p.acceptKeyword("keyspace") {
			return p.parseDropKeyspace()
		}
		if p.acceptKeyword("table") {
			return p.parseDropTable()
		}
		return nil, p.errorf("expected KEYSPACE or TABLE after DROP")
	case p.acceptKeyword("use"):
		ks, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		return &Use{Keyspace: ks}, nil
	case p.acceptKeyword("insert"):
		return p.parseInsert()
	case p.acceptKeyword("update"):
		return p.parseUpdate()
	case p.acceptKeyword("delete"):
		return p.parseDelete()
	case p.acceptKeyword("select"):
		return p.parseSelect()
	default:
		return nil, p.errorf("unrecognized statement starting with %q", p.peek().text)
	}
}

// ifNotExists parses an optional IF NOT EXISTS.
func (p *parser) ifNotExists() (bool, error) {
	if !p.acceptKeyword("if") {
		return false, nil
	}
	if err := p.expectKeyword("not"); err != nil {
		return false, err
	}
	if err := p.expectKeyword("exists"); err != nil {
		return false, err
	}
	return true, nil
}

// ifExists parses an optional IF EXISTS.
func (p *parser) ifExists() (bool, error) {
	if !p.acceptKeyword("if") {
		return false, nil
	}
	if err := p.expectKeyword("exists"); err != nil {
		return false, err
	}
	return true, nil
}

func (p *parser) parseCreateKeyspace() (Statement, error) {
	ifNot, err := p.ifNotExists()
	if err != nil {
		return nil, err
	}
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("with"); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("replication"); err != nil {
		return nil, err
	}
	if err := p.expectSymbol("="); err != nil {
		return nil, err
	}
	opts, err := p.parseMapLiteral()
	if err != nil {
		return nil, err
	}
	rfText, ok := opts["replication_factor"]
	if !ok {
		return nil, p.errorf("replication map must set 'replication_factor'")
	}
	rf, err := strconv.Atoi(rfText)
	if err != nil || rf <= 0 {
		return nil, p.errorf("replication_factor must be a positive integer, got %q", rfText)
	}
	return &CreateKeyspace{Name: name, ReplicationFactor: rf, IfNotExists: ifNot}, nil
}

// parseMapLiteral parses {'key': value, ...} with string keys and string or
// number values.
func (p *parser) parseMapLiteral() (map[string]string, error) {
	if err := p.expectSymbol("{"); err != nil {
		return nil, err
	}
	opts := make(map[string]string)
	for {
		key := p.peek()
		if key.kind != tokString {
			return nil, p.errorf("expected quoted map key, got %q", key.text)
		}
		p.pos++
		if err := p.expectSymbol(":"); err != nil {
			return nil, err
		}
		val, err := p.literal()
		if err != nil {
			return nil, err
		}
		opts[strings.ToLower(key.text)] = val
		if p.acceptSymbol(",") {
			continue
		}
		break
	}
	if err := p.expectSymbol("}"); err != nil {
		return nil, err
	}
	return opts, nil
}

func (p *parser) parseDropKeyspace() (Statement, error) {
	ifEx, err := p.ifExists()
	if err != nil {
		return nil, err
	}
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	return &DropKeyspace{Name: name, IfExists: ifEx}, nil
}

func (p *parser) parseDropTable() (Statement, error) {
	ifEx, err := p.ifExists()
	if err != nil {
		return nil, err
	}
	ks, name, err := p.qualifiedName()
	if err != nil {
		return nil, err
	}
	return &DropTable{Keyspace: ks, Name: name, IfExists: ifEx}, nil
}

func (p *parser) parseCreateTable() (Statement, error) {
	ifNot, err := p.ifNotExists()
	if err != nil {
		return nil, err
	}
	ks, name, err := p.qualifiedName()
	if err != nil {
		return nil, err
	}
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}

	stmt := &CreateTable{Keyspace: ks, Name: name, IfNotExists: ifNot}
	for {
		if p.acceptKeyword("primary") {
			if err := p.expectKeyword("key"); err != nil {
				return nil, err
			}
			if err := p.parsePrimaryKey(stmt); err != nil {
				return nil, err
			}
		} else {
			col, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			typeName, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			dt, err := model.ParseDataType(typeName)
			if err != nil {
				return nil, p.errorf("column %q: %v", col, err)
			}
			stmt.Columns = append(stmt.Columns, ColumnSpec{Name: col, Type: dt})
		}
		if p.acceptSymbol(",") {
			continue
		}
		break
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	if len(stmt.PartitionKey) == 0 {
		return nil, p.errorf("CREATE TABLE requires a PRIMARY KEY clause")
	}

	if p.acceptKeyword("with") {
		if err := p.parseClusteringOrder(stmt); err != nil {
			return nil, err
		}
	}
	return stmt, nil
}

// parsePrimaryKey parses PRIMARY KEY ((a, b), c, d) or PRIMARY KEY (a, b).
// A parenthesized first element is a composite partition key; otherwise the
// first column alone partitions and the rest cluster.
func (p *parser) parsePrimaryKey(stmt *CreateTable) error {
	if err := p.expectSymbol("("); err != nil {
		return err
	}
	if p.acceptSymbol("(") {
		for {
			col, err := p.expectIdent()
			if err != nil {
				return err
			}
			stmt.PartitionKey = append(stmt.PartitionKey, col)
			if p.acceptSymbol(",") {
				continue
			}
			break
		}
		if err := p.expectSymbol(")"); err != nil {
			return err
		}
	} else {
		col, err := p.expectIdent()
		if err != nil {
			return err
		}
		stmt.PartitionKey = append(stmt.PartitionKey, col)
	}
	for p.acceptSymbol(",") {
		col, err := p.expectIdent()
		if err != nil {
			return err
		}
		stmt.ClusteringKey = append(stmt.ClusteringKey, OrderSpec{Column: col})
	}
	return p.expectSymbol(")")
}

// parseClusteringOrder parses CLUSTERING ORDER BY (col ASC|DESC, ...).
func (p *parser) parseClusteringOrder(stmt *CreateTable) error {
	if err := p.expectKeyword("clustering"); err != nil {
		return err
	}
	if err := p.expectKeyword("order"); err != nil {
		return err
	}
	if err := p.expectKeyword("by"); err != nil {
		return err
	}
	if err := p.expectSymbol("("); err != nil {
		return err
	}
	for i := 0; ; i++ {
		col, err := p.expectIdent()
		if err != nil {
			return err
		}
		desc := false
		if p.acceptKeyword("desc") {
			desc = true
		} else {
			p.acceptKeyword("asc")
		}
		found := false
		for j := range stmt.ClusteringKey {
			if stmt.ClusteringKey[j].Column == col {
				stmt.ClusteringKey[j].Descending = desc
				found = true
			}
		}
		if !found {
			return p.errorf("%q in CLUSTERING ORDER BY is not a clustering column", col)
		}
		if p.acceptSymbol(",") {
			continue
		}
		break
	}
	return p.expectSymbol(")")
}

func (p *parser) parseInsert() (Statement, error) {
	if err := p.expectKeyword("into"); err != nil {
		return nil, err
	}
	ks, table, err := p.qualifiedName()
	if err != nil {
		return nil, err
	}
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	stmt := &Insert{Keyspace: ks, Table: table}
	for {
		col, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		stmt.Columns = append(stmt.Columns, col)
		if p.acceptSymbol(",") {
			continue
		}
		break
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("values"); err != nil {
		return nil, err
	}
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	for {
		val, err := p.literal()
		if err != nil {
			return nil, err
		}
		stmt.Values = append(stmt.Values, val)
		if p.acceptSymbol(",") {
			continue
		}
		break
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	if len(stmt.Columns) != len(stmt.Values) {
		return nil, p.errorf("INSERT has %d columns but %d values", len(stmt.Columns), len(stmt.Values))
	}
	return stmt, nil
}

func (p *parser) parseUpdate() (Statement, error) {
	ks, table, err := p.qualifiedName()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("set"); err != nil {
		return nil, err
	}
	stmt := &Update{Keyspace: ks, Table: table, Set: make(map[string]string)}
	for {
		col, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		if err := p.expectSymbol("="); err != nil {
			return nil, err
		}
		val, err := p.literal()
		if err != nil {
			return nil, err
		}
		stmt.Set[col] = val
		if p.acceptSymbol(",") {
			continue
		}
		break
	}
	if err := p.expectKeyword("where"); err != nil {
		return nil, err
	}
	stmt.Where, err = p.parseConditions()
	if err != nil {
		return nil, err
	}
	return stmt, nil
}

func (p *parser) parseDelete() (Statement, error) {
	if err := p.expectKeyword("from"); err != nil {
		return nil, err
	}
	ks, table, err := p.qualifiedName()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("where"); err != nil {
		return nil, err
	}
	where, err := p.parseConditions()
	if err != nil {
		return nil, err
	}
	return &Delete{Keyspace: ks, Table: table, Where: where}, nil
}

func (p *parser) parseSelect() (Statement, error) {
	stmt := &Select{}
	if !p.acceptSymbol("*") {
		for {
			col, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			stmt.Columns = append(stmt.Columns, col)
			if p.acceptSymbol(",") {
				continue
			}
			break
		}
	}
	if err := p.expectKeyword("from"); err != nil {
		return nil, err
	}
	var err error
	stmt.Keyspace, stmt.Table, err = p.qualifiedName()
	if err != nil {
		return nil, err
	}
	if p.acceptKeyword("where") {
		stmt.Where, err = p.parseConditions()
		if err != nil {
			return nil, err
		}
	}
	if p.acceptKeyword("order") {
		if err := p.expectKeyword("by"); err != nil {
			return nil, err
		}
		for {
			col, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			spec := OrderSpec{Column: col}
			if p.acceptKeyword("desc") {
				spec.Descending = true
			} else {
				p.acceptKeyword("asc")
			}
			stmt.OrderBy = append(stmt.OrderBy, spec)
			if p.acceptSymbol(",") {
				continue
			}
			break
		}
	}
	if p.acceptKeyword("limit") {
		t := p.peek()
		if t.kind != tokNumber {
			return nil, p.errorf("expected number after LIMIT, got %q", t.text)
		}
		p.pos++
		n, err := strconv.Atoi(t.text)
		if err != nil || n <= 0 {
			return nil, p.errorf("LIMIT must be a positive integer, got %q", t.text)
		}
		stmt.Limit = n
	}
	return stmt, nil
}

func (p *parser) parseConditions() ([]Condition, error) {
	var conds []Condition
	for {
		col, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		if p.acceptKeyword("in") {
			if err := p.expectSymbol("("); err != nil {
				return nil, err
			}
			cond := Condition{Column: col, Op: "in"}
			for {
				val, err := p.literal()
				if err != nil {
					return nil, err
				}
				cond.Values = append(cond.Values, val)
				if p.acceptSymbol(",") {
					continue
				}
				break
			}
			if err := p.expectSymbol(")"); err != nil {
				return nil, err
			}
			conds = append(conds, cond)
		} else {
			t := p.peek()
			if t.kind != tokSymbol || !isComparison(t.text) {
				return nil, p.errorf("expected comparison operator, got %q", t.text)
			}
			p.pos++
			val, err := p.literal()
			if err != nil {
				return nil, err
			}
			conds = append(conds, Condition{Column: col, Op: t.text, Value: val})
		}
		if !p.acceptKeyword("and") {
			break
		}
	}
	return conds, nil
}

func isComparison(s string) bool {
	switch s {
	case "=", "<", "<=", ">", ">=":
		return true
	}
	return false
}
