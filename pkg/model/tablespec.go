package model

import (
	"github.com/theory-cloud/txtheory/pkg/core"
)

// TableSpec renders the descriptor as a table-creation spec: the encoded key
// attributes, one index spec per declared index (non-aliasing indexes use
// their derived attributes), and the TTL attribute when declared.
func (d *Descriptor) TableSpec(readUnits, writeUnits int64) *core.TableSpec {
	spec := &core.TableSpec{
		Name:          d.Table,
		PartitionAttr: core.AttrPartitionKey,
		ReadUnits:     readUnits,
		WriteUnits:    writeUnits,
		TTLAttr:       d.ExpireField,
		Attributes: []core.AttributeDefinition{
			{Name: core.AttrPartitionKey, Type: "S"},
		},
	}
	if d.HasSortKey() {
		spec.SortAttr = core.AttrSortKey
		spec.Attributes = append(spec.Attributes, core.AttributeDefinition{Name: core.AttrSortKey, Type: "S"})
	}
	defined := map[string]bool{core.AttrPartitionKey: true, core.AttrSortKey: d.HasSortKey()}
	for i := range d.Indexes {
		def := &d.Indexes[i]
		partitionAttr := def.PartitionAttr(d.keyNames, d.sortNames)
		sortAttr := def.SortAttr(d.keyNames, d.sortNames)
		for _, attr := range []string{partitionAttr, sortAttr} {
			if attr != "" && !defined[attr] {
				spec.Attributes = append(spec.Attributes, core.AttributeDefinition{Name: attr, Type: "S"})
				defined[attr] = true
			}
		}
		spec.Indexes = append(spec.Indexes, core.IndexSpec{
			Name:            def.Name,
			PartitionAttr:   partitionAttr,
			SortAttr:        sortAttr,
			ProjectionType:  def.Projection.String(),
			ProjectedFields: def.IncludeFields,
		})
	}
	return spec
}
