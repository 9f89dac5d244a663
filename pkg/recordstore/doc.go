/*
Package recordstore implements the process-wide content-addressed intern
table for records.

Records flowing through a pipeline are either fully owned by one frame or
interned here and shared by opaque handles. Interned records are immutable;
equal content always yields the same handle, so repeated inserts of the
same row cost one hash lookup.

# Nested sharing

A stored record's slots are owned fields interleaved with references to
earlier-interned records. References only point backwards, which makes
cycles impossible by construction. Flattened field access is O(1) through
a per-record index table built at insert time, mapping each flat position
to the (entry, field) pair that owns it.

# Checkpointing

SerializeSlice captures every record added since a given index as an
appendable frame stream; DeserializeAndExtend restores it. Because
insertion is deterministic and deduplicating, applying slices in original
order reproduces identical handles — the property crash recovery relies on.
*/
package recordstore
