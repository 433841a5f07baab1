// Package rows defines the row value model shared by the loader, the
// closure tracker and the rendering consumers.
package rows

// Row is one fetched table row. Rows are created by the block loader while
// reading a result cursor and are immutable afterwards, except for the
// parent-index annotation used to group rows by the parent row that
// produced them.
type Row struct {
	// ID is a predicate uniquely selecting the row ("A.id=4 and A.ver=1").
	// Empty when the table has no primary key.
	ID string

	// NonEmptyID is the surrogate identity: ID when non-empty, otherwise a
	// result-set sequence number. Stable within one load.
	NonEmptyID string

	// PrimaryKey holds the primary key values as SQL literal text, aligned
	// with the table's primary key columns. Nil without a primary key.
	PrimaryKey []string

	// Values holds the column values in declared column order.
	Values []any

	// Seq is the per-node sequence number assigned on application, used for
	// closure membership bitmaps.
	Seq uint32

	parentIndex int
}

// New creates a row. An empty rowID gets the surrogate fallback.
func New(rowID string, surrogate string, primaryKey []string, values []any) *Row {
	id := rowID
	if id == "" {
		id = surrogate
	}
	return &Row{
		ID:          rowID,
		NonEmptyID:  id,
		PrimaryKey:  primaryKey,
		Values:      values,
		parentIndex: -1,
	}
}

// ParentIndex is the position of the parent row that produced this row in
// the parent node's model, or -1.
func (r *Row) ParentIndex() int { return r.parentIndex }

// SetParentIndex annotates the row with its parent's model position.
func (r *Row) SetParentIndex(i int) { r.parentIndex = i }
