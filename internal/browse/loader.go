package browse

import (
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"

	"github.com/agentic-research/relbrowse/internal/cancel"
	"github.com/agentic-research/relbrowse/internal/dbsession"
	"github.com/agentic-research/relbrowse/internal/rows"
)

// rowNumberAlias names the row_number() column of the OLAP limitation.
const rowNumberAlias = "RN"

// blockSizes is the decreasing batching fallback: each size is tried for
// the whole reload; a non-cancellation failure advances to the next smaller
// size, down to one parent row per query.
var blockSizes = []int{510, 300, 100, 40}

// minBatchFetchLimit keeps block fetches from being starved by a small node
// limit: one block serves many parents.
const minBatchFetchLimit = 5000

type fetchMode int

const (
	modeLimitSuffix fetchMode = iota
	modeRowNumber
	modePlain
)

// loadRows fetches up to limit rows for the node into the job. The primary
// attempt assumes all declared columns exist; if the whole fallback chain
// fails, the physical column set is probed and the chain retried with
// unknown-column substitution.
func (n *Node) loadRows(j *LoadJob, limit int) error {
	if j.input != nil {
		return n.loadFromSource(j, limit)
	}

	session := n.browser.session
	session.SetSilent(true)
	err := n.loadRowChain(j, limit, nil)
	session.SetSilent(false)
	if err == nil || cancel.IsCanceled(err) {
		return err
	}
	log.Printf("browse: load failed, probing physical columns (%v)", err)

	existing := n.physicalColumnsLower()
	return n.loadRowChain(j, limit, existing)
}

// loadRowChain runs one complete block-size fallback chain and, on success,
// publishes the accumulated result into the job.
func (n *Node) loadRowChain(j *LoadJob, limit int, existingLower map[string]bool) error {
	lc := newLoadContext(n, j, limit, existingLower)
	if err := lc.run(); err != nil {
		return err
	}
	j.mu.Lock()
	j.rows = lc.out
	j.links = lc.links
	j.closureLimitExceeded = lc.closureLimitExceeded
	j.distinctRows = lc.distinctCount
	j.nonDistinctRows = lc.nonDistinctCount
	j.mu.Unlock()
	return nil
}

// loadContext accumulates one fallback chain. The row set and dedup index
// survive across block sizes: a size that failed mid-way leaves its loaded
// rows in place, and the next size re-fetches without duplicating them. The
// dup-parent register survives too, so a parent revisited by a smaller size
// links its rows to the existing copies without recounting them.
type loadContext struct {
	node    *Node
	job     *LoadJob
	session dbsession.Session
	dialect dbsession.Dialect

	limit    int
	cond     string
	distinct bool
	sortCol  int
	sortAsc  bool

	columns       []string
	pkCols        []string
	pkSet         map[string]bool
	existingLower map[string]bool

	parentRows    []*rows.Row
	parentPane    *Node
	parentPKCols  []string
	parentIndexOf map[string]int

	out        []*rows.Row
	links      map[string][]*rows.Row
	rowSet     map[string]*rows.Row
	regParents map[string]bool

	distinctCount        int
	nonDistinctCount     int
	closureLimitExceeded bool
}

func newLoadContext(n *Node, j *LoadJob, limit int, existingLower map[string]bool) *loadContext {
	n.mu.Lock()
	columns := append([]string(nil), n.columns...)
	pkCols := append([]string(nil), n.pkColumns...)
	sortCol, sortAsc := n.sortCol, n.sortAsc
	n.mu.Unlock()

	lc := &loadContext{
		node:          n,
		job:           j,
		session:       n.browser.session,
		dialect:       n.browser.session.Dialect(),
		limit:         limit,
		cond:          j.cond,
		distinct:      j.distinct,
		sortCol:       sortCol,
		sortAsc:       sortAsc,
		columns:       columns,
		pkCols:        pkCols,
		pkSet:         make(map[string]bool, len(pkCols)),
		existingLower: existingLower,
		links:         make(map[string][]*rows.Row),
		rowSet:        make(map[string]*rows.Row),
		regParents:    make(map[string]bool),
		parentIndexOf: make(map[string]int),
	}
	for _, c := range pkCols {
		lc.pkSet[c] = true
	}
	if n.rel != nil {
		lc.parentPane = n.ParentNode()
		lc.parentRows = j.parentSnapshot
		if lc.parentPane != nil {
			lc.parentPane.mu.Lock()
			lc.parentPKCols = append([]string(nil), lc.parentPane.pkColumns...)
			lc.parentPane.mu.Unlock()
		}
		for i, pr := range lc.parentRows {
			lc.parentIndexOf[pr.NonEmptyID] = i
		}
	}
	return lc
}

// run executes the fallback chain: inline-view batching first where the
// data source supports it, then plain batching over decreasing block sizes,
// finally one parent row per query.
func (lc *loadContext) run() error {
	if lc.node.rel != nil && len(lc.parentPKCols) == 0 {
		// Without a parent primary key, parent rows cannot be batched.
		return lc.loadBlocks(nil, 1)
	}

	if lc.node.rel != nil && lc.dialect.SupportsInlineViews {
		err := lc.loadBlocks(&lc.dialect.InlineView, blockSizes[0])
		if err == nil || cancel.IsCanceled(err) {
			return err
		}
		log.Printf("browse: load failed, trying another block size (%v)", err)
	}
	for _, size := range blockSizes {
		err := lc.loadBlocks(nil, size)
		if err == nil || cancel.IsCanceled(err) {
			return err
		}
		log.Printf("browse: load failed, trying another block size (%v)", err)
	}
	return lc.loadBlocks(nil, 1)
}

// loadBlocks partitions the parent rows into blocks of at most size rows
// and fetches each block with the per-block strategy fallback.
func (lc *loadContext) loadBlocks(style *dbsession.InlineViewStyle, size int) error {
	for _, block := range lc.partition(size) {
		if err := lc.job.CheckCancellation(); err != nil {
			return err
		}
		blockRows, err := lc.fetchBlock(block, style)
		if err != nil {
			return err
		}
		done, err := lc.distribute(block, blockRows)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return nil
}

// partition splits the parent rows into blocks. Rows in the current closure
// come first so closure-relevant data loads before the limit cuts off; a
// new block starts when the current one is full or at the transition from
// closure members to non-members.
func (lc *loadContext) partition(size int) [][]*rows.Row {
	if lc.node.rel == nil {
		// Root node: one pseudo block with no parent.
		return [][]*rows.Row{{nil}}
	}
	closure := lc.node.browser.closure
	var blocks [][]*rows.Row
	var current []*rows.Row
	flush := func() {
		if len(current) > 0 {
			blocks = append(blocks, current)
			current = nil
		}
	}
	for _, inClosure := range []bool{true, false} {
		first := true
		for _, pr := range lc.parentRows {
			member := lc.parentPane != nil && closure.Contains(lc.parentPane, pr.NonEmptyID)
			if member != inClosure {
				continue
			}
			if len(current) >= size || (!inClosure && first) {
				flush()
			}
			if !inClosure {
				first = false
			}
			current = append(current, pr)
		}
	}
	flush()
	return blocks
}

// fetchBlock executes one batched fetch for a block, trying the dialect's
// limit suffix, then the row_number limitation, then a plain query. Any
// non-cancellation error moves to the next strategy.
func (lc *loadContext) fetchBlock(block []*rows.Row, style *dbsession.InlineViewStyle) (map[string][]*rows.Row, error) {
	lc.session.SetSilent(true)
	defer lc.session.SetSilent(false)

	var lastErr error
	if lc.dialect.LimitSuffix != "" {
		res, err := lc.fetch(block, style, modeLimitSuffix)
		if err == nil {
			return res, nil
		}
		if cancel.IsCanceled(err) {
			return nil, err
		}
		lastErr = err
		log.Printf("browse: fetch failed, trying another limit strategy (%v)", err)
	}
	if lc.dialect.SupportsRowNumber {
		res, err := lc.fetch(block, style, modeRowNumber)
		if err == nil {
			return res, nil
		}
		if cancel.IsCanceled(err) {
			return nil, err
		}
		lastErr = err
		log.Printf("browse: fetch failed, trying another limit strategy (%v)", err)
	}
	res, err := lc.fetch(block, style, modePlain)
	if err == nil {
		return res, nil
	}
	if cancel.IsCanceled(err) {
		return nil, err
	}
	if lastErr == nil {
		lastErr = err
	}
	return nil, lastErr
}

// fetch builds and executes one SELECT covering every parent row of the
// block.
func (lc *loadContext) fetch(block []*rows.Row, style *dbsession.InlineViewStyle, mode fetchMode) (map[string][]*rows.Row, error) {
	fetchLimit := lc.limit
	if lc.node.rel != nil && fetchLimit < minBatchFetchLimit {
		fetchLimit = minBatchFetchLimit
	}

	query, unknown, selectParentPK, err := lc.buildQuery(block, style, mode, fetchLimit)
	if err != nil {
		return nil, err
	}

	reader := &blockReader{
		lc:             lc,
		selectParentPK: selectParentPK,
		unknown:        unknown,
		out:            make(map[string][]*rows.Row),
	}
	if !selectParentPK && len(block) == 1 && block[0] != nil {
		reader.singleParentID = block[0].NonEmptyID
	}
	if err := lc.session.ExecuteQuery(lc.job, query, reader, fetchLimit); err != nil {
		return nil, err
	}
	return reader.out, nil
}

// buildQuery assembles the SELECT for one block. Declared columns missing
// from the physical table are replaced by a literal marker and recorded in
// the unknown set.
func (lc *loadContext) buildQuery(block []*rows.Row, style *dbsession.InlineViewStyle, mode fetchMode, fetchLimit int) (string, map[int]bool, bool, error) {
	d := lc.dialect
	rel := lc.node.rel
	selectParentPK := rel != nil && len(block) > 1

	unknown := make(map[int]bool)
	var selectList []string
	var olapList []string
	if selectParentPK {
		for i, pkc := range lc.parentPKCols {
			selectList = append(selectList, fmt.Sprintf("B.%s AS B%d", d.Quote(pkc), i))
			olapList = append(olapList, fmt.Sprintf("S.B%d", i))
		}
	}
	for i, col := range lc.columns {
		if lc.existingLower != nil && !lc.pkSet[col] && !lc.existingLower[strings.ToLower(col)] {
			selectList = append(selectList, fmt.Sprintf("'?' AS A%d", i))
			unknown[i] = true
		} else {
			selectList = append(selectList, fmt.Sprintf("A.%s AS A%d", d.Quote(col), i))
		}
		olapList = append(olapList, fmt.Sprintf("S.A%d", i))
	}

	limitInSelectClause := d.LimitSuffix != "" &&
		(strings.HasPrefix(strings.ToLower(d.LimitSuffix), "top ") ||
			strings.HasPrefix(strings.ToLower(d.LimitSuffix), "first "))

	var sb strings.Builder
	sb.WriteString("Select ")
	if mode == modeLimitSuffix && limitInSelectClause {
		sb.WriteString(fmt.Sprintf(d.LimitSuffix, fetchLimit))
		sb.WriteString(" ")
	}
	sb.WriteString(strings.Join(selectList, ", "))
	if mode == modeRowNumber {
		sb.WriteString(", row_number() over() as " + rowNumberAlias)
	}

	sb.WriteString(" From ")
	if rel != nil {
		sb.WriteString(d.QualifiedTable(rel.Source) + " B join " + d.QualifiedTable(lc.node.table) + " A on " + rel.Join)
	} else {
		sb.WriteString(d.QualifiedTable(lc.node.table) + " A")
	}

	whereExists := false
	if len(block) > 0 && block[0] != nil {
		for _, pr := range block {
			if pr.ID == "" {
				return "", nil, false, fmt.Errorf("missing primary key for table %q, cannot batch parent rows", rel.Source)
			}
		}
		switch {
		case len(block) == 1:
			sb.WriteString(" Where (" + block[0].ID + ")")
		case style != nil:
			sb.WriteString(" join ")
			quoted := make([]string, len(lc.parentPKCols))
			for i, c := range lc.parentPKCols {
				quoted[i] = d.Quote(c)
			}
			sb.WriteString(style.Head(quoted))
			for i, pr := range block {
				if i > 0 {
					sb.WriteString(style.Separator)
				}
				sb.WriteString(style.Item(pr.PrimaryKey, i))
			}
			sb.WriteString(style.Terminator("C", quoted))
			sb.WriteString(" on (")
			for i, c := range quoted {
				if i > 0 {
					sb.WriteString(" and ")
				}
				sb.WriteString("B." + c + " = C." + c)
			}
			sb.WriteString(")")
		default:
			for i, pr := range block {
				if i == 0 {
					sb.WriteString(" Where ((")
				} else {
					sb.WriteString(" or (")
				}
				sb.WriteString(pr.ID)
				sb.WriteString(")")
			}
			sb.WriteString(")")
		}
		whereExists = true
	}
	if strings.TrimSpace(lc.cond) != "" {
		if whereExists {
			sb.WriteString(" and (" + lc.cond + ")")
		} else {
			sb.WriteString(" Where (" + lc.cond + ")")
		}
	}

	query := sb.String()
	switch mode {
	case modeRowNumber:
		query = fmt.Sprintf("Select %s From (%s) S Where S.%s <= %d",
			strings.Join(olapList, ", "), query, rowNumberAlias, fetchLimit)
	case modeLimitSuffix:
		if !limitInSelectClause {
			query += " " + fmt.Sprintf(d.LimitSuffix, fetchLimit)
		}
	}
	return query, unknown, selectParentPK, nil
}

// distribute merges one block's fetched rows into the result, keyed and
// deduplicated by surrogate identity, linking rows to the parent rows that
// produced them. Returns done=true once the limit is reached.
func (lc *loadContext) distribute(block []*rows.Row, blockRows map[string][]*rows.Row) (bool, error) {
	closure := lc.node.browser.closure
	for _, pRow := range block {
		if err := lc.job.CheckCancellation(); err != nil {
			return false, err
		}
		dupParent := false
		rID := ""
		if pRow != nil {
			rID = pRow.NonEmptyID
			if lc.regParents[rID] {
				dupParent = true
			}
			lc.regParents[rID] = true
		}
		newRows := append([]*rows.Row(nil), blockRows[rID]...)
		lc.sortNewRows(newRows)

		if lc.node.rel != nil {
			pi, ok := lc.parentIndexOf[rID]
			if !ok {
				pi = -1
			}
			for _, r := range newRows {
				r.SetParentIndex(pi)
			}
			for _, r := range newRows {
				exRow := lc.rowSet[r.NonEmptyID]
				if !dupParent {
					if exRow != nil {
						lc.nonDistinctCount++
					} else {
						lc.distinctCount++
					}
				}
				if exRow != nil && (lc.distinct || dupParent) {
					lc.link(rID, exRow)
				} else {
					lc.out = append(lc.out, r)
					lc.link(rID, r)
					lc.rowSet[r.NonEmptyID] = r
					lc.limit--
				}
			}
		} else {
			lc.out = append(lc.out, newRows...)
			lc.limit -= len(newRows)
		}

		if lc.limit <= 0 {
			if lc.parentPane != nil && pRow != nil && closure.Contains(lc.parentPane, pRow.NonEmptyID) {
				lc.closureLimitExceeded = true
			}
			return true, nil
		}
	}
	return false, nil
}

func (lc *loadContext) link(parentID string, r *rows.Row) {
	if parentID == "" {
		return
	}
	lc.links[parentID] = append(lc.links[parentID], r)
}

// sortNewRows orders the rows fetched for one parent by the node's current
// sort column: nulls first, comparable values by value, mixed types by type
// name.
func (lc *loadContext) sortNewRows(rs []*rows.Row) {
	col, asc := lc.sortCol, lc.sortAsc
	if col < 0 {
		return
	}
	sort.SliceStable(rs, func(i, j int) bool {
		var va, vb any
		if col < len(rs[i].Values) {
			va = rs[i].Values[col]
		}
		if col < len(rs[j].Values) {
			vb = rs[j].Values[col]
		}
		cmp := compareValues(va, vb)
		if !asc {
			cmp = -cmp
		}
		return cmp < 0
	})
}

func compareValues(va, vb any) int {
	if va == nil && vb == nil {
		return 0
	}
	if va == nil {
		return -1
	}
	if vb == nil {
		return 1
	}
	switch a := va.(type) {
	case int64:
		if b, ok := vb.(int64); ok {
			switch {
			case a < b:
				return -1
			case a > b:
				return 1
			}
			return 0
		}
	case float64:
		if b, ok := vb.(float64); ok {
			switch {
			case a < b:
				return -1
			case a > b:
				return 1
			}
			return 0
		}
	case string:
		if b, ok := vb.(string); ok {
			return strings.Compare(a, b)
		}
	case bool:
		if b, ok := vb.(bool); ok {
			switch {
			case !a && b:
				return -1
			case a && !b:
				return 1
			}
			return 0
		}
	}
	// Mixed or non-comparable types order by type name.
	return strings.Compare(fmt.Sprintf("%T", va), fmt.Sprintf("%T", vb))
}

// physicalColumnsLower probes the physical column set, lower-cased for
// comparison. An empty exact-case probe is retried with the table name
// forced to the case the data source stores identifiers in.
func (n *Node) physicalColumnsLower() map[string]bool {
	session := n.browser.session
	cols, err := session.PhysicalColumns(n.table)
	if err != nil || len(cols) == 0 {
		name := n.table
		if session.Dialect().StoresUpperCaseIdentifiers {
			name = strings.ToUpper(name)
		} else {
			name = strings.ToLower(name)
		}
		cols, err = session.PhysicalColumns(name)
		if err != nil || len(cols) == 0 {
			return nil
		}
	}
	m := make(map[string]bool, len(cols))
	for _, c := range cols {
		m[strings.ToLower(c)] = true
	}
	return m
}

// loadFromSource reads externally supplied rows through the same reader
// machinery, without touching the session.
func (n *Node) loadFromSource(j *LoadJob, limit int) error {
	lc := newLoadContext(n, j, limit, nil)
	reader := &blockReader{
		lc:           lc,
		out:          make(map[string][]*rows.Row),
		adoptColumns: true,
	}
	if err := j.input.Read(reader); err != nil {
		return err
	}
	out := reader.out[""]
	if len(out) > limit {
		out = out[:limit]
	}
	j.mu.Lock()
	j.rows = out
	j.links = make(map[string][]*rows.Row)
	j.resultColumns = reader.adopted
	j.mu.Unlock()
	return nil
}

// blockReader consumes a result cursor into rows grouped by the parent row
// that produced them.
type blockReader struct {
	lc             *loadContext
	selectParentPK bool
	unknown        map[int]bool
	singleParentID string
	adoptColumns   bool

	adopted []string
	out     map[string][]*rows.Row
	seq     int
}

func (br *blockReader) Init(cols []dbsession.ColumnMeta) error {
	if br.adoptColumns {
		br.adopted = make([]string, len(cols))
		for i, c := range cols {
			br.adopted[i] = c.Name
		}
	}
	return nil
}

func (br *blockReader) ReadRow(values []any) error {
	lc := br.lc
	d := lc.dialect

	if br.adoptColumns {
		vals := make([]any, len(values))
		for i, v := range values {
			vals[i] = convertValue(v)
		}
		br.seq++
		r := rows.New("", strconv.Itoa(br.seq), nil, vals)
		br.out[""] = append(br.out[""], r)
		return nil
	}

	i := 0
	parentID := br.singleParentID
	if br.selectParentPK {
		preds := make([]string, 0, len(lc.parentPKCols))
		for _, pkc := range lc.parentPKCols {
			preds = append(preds, pkPredicate(d, pkc, values[i]))
			i++
		}
		parentID = strings.Join(preds, " and ")
	}

	vals := make([]any, len(lc.columns))
	var pkPreds []string
	var pkLits []string
	for ci, col := range lc.columns {
		raw := values[i]
		i++
		if br.unknown[ci] {
			vals[ci] = rows.UnknownValue{}
			continue
		}
		vals[ci] = convertValue(raw)
		if lc.pkSet[col] {
			pkPreds = append(pkPreds, pkPredicate(d, col, raw))
			pkLits = append(pkLits, d.Literal(raw))
		}
	}

	rowID := strings.Join(pkPreds, " and ")
	br.seq++
	r := rows.New(rowID, strconv.Itoa(br.seq), pkLits, vals)
	br.out[parentID] = append(br.out[parentID], r)
	return nil
}

// pkPredicate renders one primary key equality over the B alias; the same
// rendering produces the row identity when the row later acts as a parent.
func pkPredicate(d dbsession.Dialect, col string, v any) string {
	if v == nil {
		return "B." + d.Quote(col) + " is null"
	}
	return "B." + d.Quote(col) + "=" + d.Literal(v)
}

// convertValue summarizes large values: binary content becomes a bounded
// hex preview, oversized text is truncated with a marker.
func convertValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return rows.NewBinValue(x)
	case string:
		if len(x) > rows.MaxLobChars {
			return rows.NewLobValue(x)
		}
		return x
	default:
		return v
	}
}
