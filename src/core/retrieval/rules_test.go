package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func id(n int64) *int64 { return &n }

func TestInfer(t *testing.T) {
	rules := DefaultRules()

	tests := []struct {
		name  string
		query string
		ctx   Context
		want  []string
	}{
		{
			name:  "in progress calibration starts with procedure",
			query: "calibración termostato",
			ctx:   Context{FSMState: "in_progress"},
			want:  []string{"procedure", "manual"},
		},
		{
			name:  "no signal falls back to default",
			query: "termostato",
			want:  []string{"procedure", "manual", "checklist"},
		},
		{
			name:  "keyword families in rule order",
			query: "Lista de pasos del manual",
			want:  []string{"procedure", "manual", "checklist"},
		},
		{
			name:  "troubleshooting adds procedure and manual once",
			query: "la bomba no funciona",
			want:  []string{"procedure", "manual"},
		},
		{
			name:  "new task appends manual and checklist",
			query: "termostato",
			ctx:   Context{FSMState: "assigned"},
			want:  []string{"manual", "checklist"},
		},
		{
			name:  "done task prepends checklist",
			query: "procedimiento de cierre",
			ctx:   Context{FSMState: "done"},
			want:  []string{"checklist", "procedure"},
		},
		{
			name:  "complex equipment prepends manual",
			query: "revisar filtro",
			ctx:   Context{EquipmentCategoryID: id(2)},
			want:  []string{"manual", "checklist"},
		},
		{
			name:  "simple equipment adds nothing",
			query: "revisar filtro",
			ctx:   Context{EquipmentCategoryID: id(9)},
			want:  []string{"checklist"},
		},
		{
			name:  "preventive service prepends checklist",
			query: "procedimiento",
			ctx:   Context{ServiceNatureID: id(1)},
			want:  []string{"checklist", "procedure"},
		},
		{
			name:  "corrective service keeps existing procedure in place",
			query: "manual del procedimiento",
			ctx:   Context{ServiceNatureID: id(2)},
			want:  []string{"procedure", "manual"},
		},
		{
			name:  "installation service prepends manual",
			query: "termostato",
			ctx:   Context{ServiceNatureID: id(3)},
			want:  []string{"manual"},
		},
		{
			name:  "state then category then nature",
			query: "termostato",
			ctx:   Context{FSMState: "in_progress", EquipmentCategoryID: id(1), ServiceNatureID: id(1)},
			want:  []string{"checklist", "procedure", "manual"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rules.Infer(tt.query, tt.ctx))
		})
	}
}

func TestInferCapsTypes(t *testing.T) {
	rules := RuleSet{
		Keywords: []KeywordRule{
			{Terms: []string{"a"}, Types: []string{"t1", "t2", "t3"}},
			{Terms: []string{"b"}, Types: []string{"t4", "t5", "t1"}},
		},
		Default: []string{"t1"},
		Max:     4,
	}
	assert.Equal(t, []string{"t1", "t2", "t3", "t4"}, rules.Infer("ab", Context{}))
}
