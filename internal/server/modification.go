/*
Copyright 2025 The Modelwire Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ModificationRule rewrites one path of an accepted fragment's property
// document. Exactly one of Delete, Regex or Template must be set.
type ModificationRule struct {
	Delete   *DeleteModification
	Regex    *RegexModification
	Template *TemplateModification
}

type DeleteModification struct {
	Path string
}

type RegexModification struct {
	Path        string
	Pattern     string
	Replacement string
}

type TemplateModification struct {
	Path     string
	Template string
}

// TemplateContext is handed to template modifications.
type TemplateContext struct {
	// Value is always set to the value found in the document.
	Value gjson.Result
}

// ApplyModificationRules runs all rules over the property document and
// returns the top-level keys whose values changed (deleted keys map to
// null). An empty result means the rules were a no-op.
func ApplyModificationRules(properties map[string]any, rules []ModificationRule) (map[string]any, error) {
	encoded, err := json.Marshal(properties)
	if err != nil {
		return nil, fmt.Errorf("failed to JSON encode properties: %w", err)
	}

	jsonData := string(encoded)
	for _, rule := range rules {
		jsonData, err = applyModificationToJSON(jsonData, rule)
		if err != nil {
			return nil, err
		}
	}

	var mutated map[string]any
	if err := json.Unmarshal([]byte(jsonData), &mutated); err != nil {
		return nil, fmt.Errorf("failed to decode mutated properties: %w", err)
	}

	modifications := map[string]any{}
	for key, value := range mutated {
		if prev, ok := properties[key]; !ok || !sameJSONValue(prev, value) {
			modifications[key] = value
		}
	}
	for key := range properties {
		if _, ok := mutated[key]; !ok {
			modifications[key] = nil
		}
	}

	return modifications, nil
}

func applyModificationToJSON(jsonData string, rule ModificationRule) (string, error) {
	switch {
	case rule.Delete != nil:
		return applyDeleteModification(jsonData, *rule.Delete)
	case rule.Regex != nil:
		return applyRegexModification(jsonData, *rule.Regex)
	case rule.Template != nil:
		return applyTemplateModification(jsonData, *rule.Template)
	default:
		return "", errors.New("must use either regex, template or delete modification")
	}
}

func applyDeleteModification(jsonData string, rule DeleteModification) (string, error) {
	jsonData, err := sjson.Delete(jsonData, rule.Path)
	if err != nil {
		return "", fmt.Errorf("failed to delete value @ %s: %w", rule.Path, err)
	}

	return jsonData, nil
}

func applyRegexModification(jsonData string, rule RegexModification) (string, error) {
	if rule.Pattern == "" {
		return sjson.Set(jsonData, rule.Path, rule.Replacement)
	}

	value := gjson.Get(jsonData, rule.Path)
	if !value.Exists() {
		return "", fmt.Errorf("path %s did not match any element in the document", rule.Path)
	}

	expr, err := regexp.Compile(rule.Pattern)
	if err != nil {
		return "", fmt.Errorf("invalid pattern %q: %w", rule.Pattern, err)
	}

	// this does apply some coalescing, like turning numbers into strings
	strVal := value.String()
	replacement := expr.ReplaceAllString(strVal, rule.Replacement)

	return sjson.Set(jsonData, rule.Path, replacement)
}

func templateFuncMap() template.FuncMap {
	funcs := sprig.TxtFuncMap()
	funcs["join"] = strings.Join
	return funcs
}

func applyTemplateModification(jsonData string, rule TemplateModification) (string, error) {
	value := gjson.Get(jsonData, rule.Path)
	if !value.Exists() {
		return "", fmt.Errorf("path %s did not match any element in the document", rule.Path)
	}

	tpl, err := template.New("modification").Funcs(templateFuncMap()).Parse(rule.Template)
	if err != nil {
		return "", fmt.Errorf("failed to parse template %q: %w", rule.Template, err)
	}

	ctx := TemplateContext{Value: value}

	var buf bytes.Buffer
	if err := tpl.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("failed to execute template %q: %w", rule.Template, err)
	}

	replacement := strings.TrimSpace(buf.String())

	return sjson.Set(jsonData, rule.Path, replacement)
}

func sameJSONValue(a, b any) bool {
	if af, ok := numeric(a); ok {
		bf, ok := numeric(b)
		return ok && af == bf
	}

	return reflect.DeepEqual(a, b)
}
