package sqlmeta

import "fmt"

// Strategy maps a logical table to the physical table holding a row. Each
// method returns the physical name; an empty result falls back to the
// logical table.
type Strategy interface {
	// TableByKey routes by primary-key value.
	TableByKey(table string, key any) string
	// TableByEntity routes by the full entity. entity is a *T.
	TableByEntity(table string, entity any) string
	// TableByFilter routes a query predicate. f may be nil.
	TableByFilter(table string, f *Filter) string
}

// FieldPartitioner is implemented by strategies partitioning on a single
// field. The descriptor then extracts that field from entities and filters
// and routes them through TableByKey. An empty field means the primary key.
type FieldPartitioner interface {
	PartitionField() string
}

// SuffixStrategy partitions on field, appending "_"+Suffix(value) to the
// logical table. An empty suffix keeps the logical table.
type SuffixStrategy struct {
	Field  string
	Suffix func(key any) string
}

// Suffixed returns a SuffixStrategy on field ("" for the primary key).
func Suffixed(field string, suffix func(key any) string) *SuffixStrategy {
	return &SuffixStrategy{Field: field, Suffix: suffix}
}

// PartitionField implements FieldPartitioner.
func (s *SuffixStrategy) PartitionField() string { return s.Field }

// TableByKey implements Strategy.
func (s *SuffixStrategy) TableByKey(table string, key any) string {
	if key == nil {
		return table
	}
	if sfx := s.Suffix(key); sfx != "" {
		return table + "_" + sfx
	}
	return table
}

// TableByEntity implements Strategy. Descriptors never call it for a
// FieldPartitioner; it exists for direct use with entities exposing the
// partition key through PartitionKey.
func (s *SuffixStrategy) TableByEntity(table string, entity any) string {
	if pk, ok := entity.(interface{ PartitionKey() any }); ok {
		return s.TableByKey(table, pk.PartitionKey())
	}
	return table
}

// TableByFilter implements Strategy.
func (s *SuffixStrategy) TableByFilter(table string, f *Filter) string {
	if v, ok := f.Lookup(s.Field); ok {
		return s.TableByKey(table, v)
	}
	return table
}

// StrategyFunc adapts a key routing function to Strategy. Entities and
// filters are routed through their primary key.
type StrategyFunc func(table string, key any) string

// PartitionField implements FieldPartitioner.
func (f StrategyFunc) PartitionField() string { return "" }

// TableByKey implements Strategy.
func (f StrategyFunc) TableByKey(table string, key any) string { return f(table, key) }

// TableByEntity implements Strategy.
func (f StrategyFunc) TableByEntity(table string, _ any) string { return table }

// TableByFilter implements Strategy.
func (f StrategyFunc) TableByFilter(table string, _ *Filter) string { return table }

// TableByKey returns the physical table holding key.
func (d *Descriptor[T]) TableByKey(key any) string {
	if d.strategy == nil || d.table == "" {
		return d.table
	}
	return orTable(d.strategy.TableByKey(d.table, key), d.table)
}

// TableByEntity returns the physical table holding e.
func (d *Descriptor[T]) TableByEntity(e *T) string {
	if d.strategy == nil || d.table == "" {
		return d.table
	}
	if fp, ok := d.strategy.(FieldPartitioner); ok {
		a := d.partitionAccessor(fp)
		if a == nil {
			return d.table
		}
		return orTable(d.strategy.TableByKey(d.table, a.Get(e)), d.table)
	}
	return orTable(d.strategy.TableByEntity(d.table, e), d.table)
}

// TableByFilter returns the physical table a query with predicate f runs
// against.
func (d *Descriptor[T]) TableByFilter(f *Filter) string {
	if d.strategy == nil || d.table == "" {
		return d.table
	}
	if fp, ok := d.strategy.(FieldPartitioner); ok {
		a := d.partitionAccessor(fp)
		if a == nil {
			return d.table
		}
		if v, ok := f.Lookup(a.name); ok {
			return orTable(d.strategy.TableByKey(d.table, v), d.table)
		}
		return d.table
	}
	return orTable(d.strategy.TableByFilter(d.table, f), d.table)
}

func (d *Descriptor[T]) partitionAccessor(fp FieldPartitioner) *Accessor[T] {
	if field := fp.PartitionField(); field != "" {
		return d.attrs[field]
	}
	return d.primary
}

func orTable(table, logical string) string {
	if table == "" {
		return logical
	}
	return table
}

// validateStrategy checks that a field-partitioned strategy names a mapped field.
func (d *Descriptor[T]) validateStrategy() error {
	fp, ok := d.strategy.(FieldPartitioner)
	if !ok {
		return nil
	}
	if d.partitionAccessor(fp) == nil {
		return fmt.Errorf("%w: partition field %q", ErrFieldNotFound, fp.PartitionField())
	}
	return nil
}
