package retrieval

import (
	"strings"
)

const (
	TypeProcedure = "procedure"
	TypeManual    = "manual"
	TypeChecklist = "checklist"
)

// KeywordRule adds Types when any of Terms occurs in the lower-cased query.
type KeywordRule struct {
	Name  string
	Terms []string
	Types []string
}

// StateRule applies to the listed workflow states. Prepend types go to the
// front and Append types to the back, each only when not already listed.
type StateRule struct {
	States  []string
	Prepend []string
	Append  []string
}

// IDRule prepends types when a context id is one of IDs.
type IDRule struct {
	IDs     []int64
	Prepend []string
}

// RuleSet drives document-type inference. Rules are applied in field order:
// keywords, workflow state, equipment category, service nature.
type RuleSet struct {
	Keywords            []KeywordRule
	States              []StateRule
	EquipmentCategories []IDRule
	ServiceNatures      []IDRule
	Default             []string
	Max                 int
}

// DefaultRules returns the field-service vocabulary, mostly Spanish.
func DefaultRules() RuleSet {
	return RuleSet{
		Keywords: []KeywordRule{
			{
				Name: "procedure",
				Terms: []string{"procedimiento", "pasos", "cómo", "proceso", "método", "técnica",
					"instalación", "configuración", "calibración", "ajuste", "reparación"},
				Types: []string{TypeProcedure},
			},
			{
				Name: "manual",
				Terms: []string{"manual", "instrucciones", "especificaciones", "características",
					"funcionamiento", "operación", "descripción", "qué es", "cómo funciona"},
				Types: []string{TypeManual},
			},
			{
				Name: "checklist",
				Terms: []string{"checklist", "lista", "verificar", "revisar", "comprobar", "inspeccionar",
					"antes de", "después de", "entrada", "salida", "control"},
				Types: []string{TypeChecklist},
			},
			{
				Name: "troubleshooting",
				Terms: []string{"problema", "error", "falla", "no funciona", "diagnóstico", "solución",
					"reparar", "arreglar", "troubleshooting", "qué hacer si"},
				Types: []string{TypeProcedure, TypeManual},
			},
		},
		States: []StateRule{
			{States: []string{"new", "assigned"}, Append: []string{TypeManual, TypeChecklist}},
			{States: []string{"in_progress"}, Prepend: []string{TypeProcedure}, Append: []string{TypeManual}},
			{States: []string{"done", "completed"}, Prepend: []string{TypeChecklist}},
		},
		// Categories 1 to 3 are complex equipment.
		EquipmentCategories: []IDRule{
			{IDs: []int64{1, 2, 3}, Prepend: []string{TypeManual}},
		},
		// 1 preventive, 2 corrective, 3 installation.
		ServiceNatures: []IDRule{
			{IDs: []int64{1}, Prepend: []string{TypeChecklist}},
			{IDs: []int64{2}, Prepend: []string{TypeProcedure}},
			{IDs: []int64{3}, Prepend: []string{TypeManual}},
		},
		Default: []string{TypeProcedure, TypeManual, TypeChecklist},
		Max:     4,
	}
}

// Infer returns the ordered, de-duplicated document types suggested by the
// query text and its workflow context.
func (r RuleSet) Infer(text string, c Context) []string {
	lower := strings.ToLower(text)
	var types []string

	for _, rule := range r.Keywords {
		if containsAnyTerm(lower, rule.Terms) {
			types = append(types, rule.Types...)
		}
	}
	types = dedupe(types)

	if c.FSMState != "" {
		for _, rule := range r.States {
			if !containsString(rule.States, c.FSMState) {
				continue
			}
			for _, t := range rule.Prepend {
				types = prepend(types, t)
			}
			for _, t := range rule.Append {
				types = appendMissing(types, t)
			}
		}
	}

	if c.EquipmentCategoryID != nil {
		types = applyIDRules(types, r.EquipmentCategories, *c.EquipmentCategoryID)
	}
	if c.ServiceNatureID != nil {
		types = applyIDRules(types, r.ServiceNatures, *c.ServiceNatureID)
	}

	if len(types) == 0 {
		types = append([]string(nil), r.Default...)
	}
	if r.Max > 0 && len(types) > r.Max {
		types = types[:r.Max]
	}
	return types
}

func applyIDRules(types []string, rules []IDRule, id int64) []string {
	for _, rule := range rules {
		if !containsInt(rule.IDs, id) {
			continue
		}
		for _, t := range rule.Prepend {
			types = prepend(types, t)
		}
	}
	return types
}

func containsAnyTerm(text string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(text, t) {
			return true
		}
	}
	return false
}

func prepend(types []string, t string) []string {
	if containsString(types, t) {
		return types
	}
	return append([]string{t}, types...)
}

func appendMissing(types []string, t string) []string {
	if containsString(types, t) {
		return types
	}
	return append(types, t)
}

func dedupe(types []string) []string {
	var out []string
	for _, t := range types {
		out = appendMissing(out, t)
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsInt(list []int64, n int64) bool {
	for _, v := range list {
		if v == n {
			return true
		}
	}
	return false
}
